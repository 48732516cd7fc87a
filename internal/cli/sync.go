package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/view"
)

var (
	syncDateFlag    string
	syncFullFlag    bool
	syncTriggerFlag string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "抓取目标日期的文章并刷新摘要与推荐分",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(syncDateFlag, time.Now())
			if err != nil {
				return err
			}
			if syncFullFlag {
				app.Engine.Incremental = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := app.Engine.Sync(ctx, day, syncTriggerFlag)
			if err != nil {
				if errors.Is(err, context.Canceled) && run != nil {
					app.Printer.Warning("同步被中断，已完成的订阅结果已保存 (run %d)", run.ID)
					return nil
				}
				return err
			}

			app.Printer.Success("同步完成 %s: 成功 %d / 失败 %d, 新文章 %d",
				view.DayKey(day), run.SuccessCount, run.FailCount, run.NewArticleCount)
			if app.Config.DiscoveryV2Enabled {
				app.Printer.Print("发现: ok %d / delayed %d / failed %d",
					run.DiscoverOk, run.DiscoverDelayed, run.DiscoverFailed)
			} else {
				app.Printer.Print("抓取: 直连 %d / 失败 %d, 其中 %d 个使用缓存",
					run.LiveOk, run.LiveFailed, run.StaleUsed)
			}
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")
	syncCmd.Flags().BoolVar(&syncFullFlag, "full", false, "ignore the incremental cursor and re-fetch the whole day")
	syncCmd.Flags().StringVar(&syncTriggerFlag, "trigger", "manual", "trigger label recorded on the run")
	rootCmd.AddCommand(syncCmd)
}
