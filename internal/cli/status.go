package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/output"
	"github.com/wxagent/wxagent/internal/view"
)

var statusDateFlag string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "订阅健康与当日运行状态",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(statusDateFlag, time.Now())
			if err != nil {
				return err
			}

			run, err := app.View.RunForDay(day)
			if err != nil {
				return err
			}
			outcomes := map[int64]model.SyncRunItem{}
			if run != nil {
				items, err := app.Store.ListSyncRunItems(run.ID)
				if err != nil {
					return err
				}
				for _, item := range items {
					outcomes[item.SubscriptionID] = item
				}
				started := time.Unix(0, run.StartedAtNs).Local().Format("2006-01-02 15:04")
				app.Printer.Print("参照运行 %d (%s, %s): 成功 %d / 失败 %d, 新文章 %d",
					run.ID, run.Trigger, started,
					run.SuccessCount, run.FailCount, run.NewArticleCount)
			} else {
				app.Printer.Info("尚无同步记录")
			}

			subs, err := app.Store.ListSubscriptions()
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				app.Printer.Info("尚无订阅，先执行 wxagent sub add")
				return nil
			}

			tbl := output.NewTable([]string{"id", "公众号", "名称", "状态", "发现", "本次", "错误"})
			for _, sub := range subs {
				outcome := "-"
				message := sub.LastError
				if item, ok := outcomes[sub.ID]; ok {
					outcome = app.Printer.StatusBadge(string(item.Status))
					if item.ErrorMessage != "" {
						message = item.ErrorMessage
					}
				}
				tbl.AddRow([]string{
					strconv.FormatInt(sub.ID, 10),
					sub.WechatID,
					sub.Name,
					app.Printer.StatusBadge(string(sub.Status)),
					app.Printer.StatusBadge(string(sub.DiscoveryStatus)),
					outcome,
					truncateCell(message, 48),
				})
			}
			tbl.Render()
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(statusCmd)
}
