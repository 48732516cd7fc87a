package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/output"
	"github.com/wxagent/wxagent/internal/view"
)

var coverageDateFlag string

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "当日获取覆盖率报告",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(coverageDateFlag, time.Now())
			if err != nil {
				return err
			}
			report, err := app.Coverage.Compute(day)
			if err != nil {
				return err
			}

			daily := report.Daily
			app.Printer.Header(fmt.Sprintf("%s 覆盖率 %.0f%%", daily.Date, daily.CoverageRatio*100))
			app.Printer.Print("订阅 %d: 成功 %d / 延迟 %d / 失败 %d",
				daily.TotalSubscriptions, daily.SuccessCount, daily.DelayedCount, daily.FailedCount)
			if report.SLATarget > 0 {
				if report.MeetsSLA {
					app.Printer.Success("达到 SLA 目标 %.0f%%", report.SLATarget*100)
				} else {
					app.Printer.Warning("未达到 SLA 目标 %.0f%%", report.SLATarget*100)
				}
			}

			if len(report.FailureKinds) > 0 {
				app.Printer.Print("失败原因分布:")
				for _, kind := range failureKindOrder {
					if count := report.FailureKinds[kind]; count > 0 {
						app.Printer.Print("  %-14s %d", kind, count)
					}
				}
			}

			tbl := output.NewTable([]string{"公众号", "名称", "状态", "原因"})
			for _, detail := range report.Details {
				tbl.AddRow([]string{
					detail.WechatID,
					detail.Name,
					app.Printer.StatusBadge(string(detail.Status)),
					string(detail.ErrorKind),
				})
			}
			tbl.Render()
			return nil
		})
	},
}

// failureKindOrder keeps the report grouping stable across runs.
var failureKindOrder = []model.ErrorKind{
	model.ErrKindTimeout, model.ErrKindBlocked, model.ErrKindNotFound,
	model.ErrKindHTTP4xx, model.ErrKindHTTP5xx, model.ErrKindNetwork,
	model.ErrKindParseEmpty, model.ErrKindCircuitOpen, model.ErrKindAuthExpired,
	model.ErrKindSearchEmpty, model.ErrKindFetchBlocked, model.ErrKindUnknown,
}

func init() {
	coverageCmd.Flags().StringVar(&coverageDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(coverageCmd)
}
