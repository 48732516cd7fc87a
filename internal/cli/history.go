package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/output"
)

var historyCmd = &cobra.Command{
	Use:   "history <days>",
	Short: "最近几天的同步记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[0])
		if err != nil || days < 1 {
			return fmt.Errorf("无效天数 %q", args[0])
		}
		return withApp(func(app *App) error {
			runs, err := app.Store.ListSyncRuns(500)
			if err != nil {
				return err
			}
			cutoff := time.Now().AddDate(0, 0, -days).UnixNano()

			tbl := output.NewTable([]string{"run", "触发", "开始", "耗时", "成功", "失败", "新文章"})
			shown := 0
			for _, run := range runs {
				if run.StartedAtNs < cutoff {
					continue
				}
				shown++
				started := time.Unix(0, run.StartedAtNs).Local().Format("01-02 15:04")
				duration := "-"
				if run.FinishedAtNs > 0 {
					duration = time.Duration(run.FinishedAtNs - run.StartedAtNs).Round(time.Second).String()
				}
				tbl.AddRow([]string{
					strconv.FormatInt(run.ID, 10),
					run.Trigger,
					started,
					duration,
					strconv.Itoa(run.SuccessCount),
					strconv.Itoa(run.FailCount),
					strconv.Itoa(run.NewArticleCount),
				})
			}
			if shown == 0 {
				app.Printer.Info("最近 %d 天没有同步记录", days)
				return nil
			}
			tbl.Render()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
