package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

const attemptRetention = 30 * 24 * time.Hour

var daemonScheduleFlag string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "常驻运行，按 cron 计划自动同步",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			schedule := daemonScheduleFlag
			if schedule == "" {
				schedule = app.Config.SyncSchedule
			}
			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("无效 cron 表达式 %q: %w", schedule, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := cron.New()
			_, err := runner.AddFunc(schedule, func() {
				day := time.Now()
				log.Printf("[daemon] scheduled sync starting for %s", day.Format("2006-01-02"))
				run, err := app.Engine.Sync(ctx, day, "schedule")
				if err != nil {
					log.Printf("[daemon] sync failed: %v", err)
					return
				}
				log.Printf("[daemon] sync run %d done: success=%d fail=%d new=%d",
					run.ID, run.SuccessCount, run.FailCount, run.NewArticleCount)

				cutoff := time.Now().Add(-attemptRetention).UnixNano()
				if pruned, err := app.Store.PruneAttemptsBefore(cutoff); err != nil {
					log.Printf("[daemon] attempt prune failed: %v", err)
				} else if pruned > 0 {
					log.Printf("[daemon] pruned %d old fetch attempts", pruned)
				}
			})
			if err != nil {
				return err
			}

			runner.Start()
			app.Printer.Success("daemon 已启动, 计划 %q (Ctrl-C 退出)", schedule)
			<-ctx.Done()

			log.Printf("[daemon] shutting down")
			stopCtx := runner.Stop()
			<-stopCtx.Done()
			return nil
		})
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonScheduleFlag, "schedule", "", "cron expression (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
