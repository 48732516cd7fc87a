package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/output"
	"github.com/wxagent/wxagent/internal/source"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "管理订阅的候选源",
}

var sourceListCmd = &cobra.Command{
	Use:   "list <wechat-id|id>",
	Short: "列出候选源及其健康状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			sub, err := resolveSubscription(app, args[0])
			if err != nil {
				return err
			}
			rows, err := app.Store.ListSources(sub.ID, false)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				app.Printer.Info("订阅 %s 还没有候选源，先执行一次 sync", sub.WechatID)
				return nil
			}

			tbl := output.NewTable([]string{"提供方", "url", "优先级", "置顶", "启用", "熔断", "评分", "最近成功"})
			for _, row := range rows {
				state, score, lastOk := "-", "-", "-"
				if h, err := app.Store.GetHealth(sub.ID, row.Provider, row.URL); err == nil && h != nil {
					state = app.Printer.StatusBadge(string(h.State))
					score = strconv.FormatFloat(h.Score, 'f', 0, 64)
					if h.LastOkAtNs > 0 {
						lastOk = time.Unix(0, h.LastOkAtNs).Local().Format("01-02 15:04")
					}
				}
				tbl.AddRow([]string{
					row.Provider,
					truncateCell(row.URL, 56),
					strconv.Itoa(row.Priority),
					boolMark(row.Pinned),
					boolMark(row.Active),
					state,
					score,
					lastOk,
				})
			}
			tbl.Render()
			return nil
		})
	},
}

var sourcePinCmd = &cobra.Command{
	Use:   "pin <wechat-id|id> <url>",
	Short: "置顶一个候选源（每个订阅至多一个）",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			sub, err := resolveSubscription(app, args[0])
			if err != nil {
				return err
			}
			return setPinnedSource(app, sub, args[1])
		})
	},
}

var sourceUnpinCmd = &cobra.Command{
	Use:   "unpin <wechat-id|id>",
	Short: "取消订阅的全部置顶",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			sub, err := resolveSubscription(app, args[0])
			if err != nil {
				return err
			}
			rows, err := app.Store.ListSources(sub.ID, false)
			if err != nil {
				return err
			}
			cleared := 0
			for _, row := range rows {
				if !row.Pinned {
					continue
				}
				row.Pinned = false
				if err := app.Store.UpdateSource(row); err != nil {
					return err
				}
				cleared++
			}
			if cleared > 0 {
				// Back to automatic routing; the next sync re-ranks freely.
				sub.SourceMode = model.SourceModeAuto
				sub.PreferredProvider = ""
				sub.UpdatedAtNs = time.Now().UnixNano()
				if err := app.Store.UpdateSubscription(*sub); err != nil {
					return err
				}
			}
			app.Printer.Success("已取消 %d 个置顶", cleared)
			return nil
		})
	},
}

var sourceDoctorCmd = &cobra.Command{
	Use:   "doctor <wechat-id|id>",
	Short: "现场探测订阅的全部候选源",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			sub, err := resolveSubscription(app, args[0])
			if err != nil {
				return err
			}
			candidates, err := app.Gateway.DiscoverCandidates(cmd.Context(), sub)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				app.Printer.Warning("未发现任何候选源")
				return nil
			}

			tbl := output.NewTable([]string{"提供方", "url", "结果", "延迟", "原因"})
			for _, cand := range candidates {
				provider := providerByName(app.Providers, cand.Provider)
				if provider == nil {
					tbl.AddRow([]string{cand.Provider, truncateCell(cand.URL, 56), "-", "-", "提供方未注册"})
					continue
				}
				probe := provider.Probe(cmd.Context(), cand)
				result := app.Printer.StatusBadge("SUCCESS")
				reason := ""
				if !probe.Ok {
					result = app.Printer.StatusBadge("FAILED")
					reason = fmt.Sprintf("%s %s", probe.ErrorKind, truncateCell(probe.ErrorMessage, 40))
				}
				tbl.AddRow([]string{
					cand.Provider,
					truncateCell(cand.URL, 56),
					result,
					fmt.Sprintf("%dms", probe.LatencyMs),
					reason,
				})
			}
			tbl.Render()
			return nil
		})
	},
}

// setPinnedSource pins the row matching url and clears every other pin.
func setPinnedSource(app *App, sub *model.Subscription, url string) error {
	rows, err := app.Store.ListSources(sub.ID, false)
	if err != nil {
		return err
	}
	var target *model.SubscriptionSource
	for i := range rows {
		if rows[i].URL == url {
			target = &rows[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("订阅 %s 没有候选源 %q", sub.WechatID, url)
	}
	for i := range rows {
		pinned := rows[i].ID == target.ID
		if rows[i].Pinned == pinned {
			continue
		}
		rows[i].Pinned = pinned
		if err := app.Store.UpdateSource(rows[i]); err != nil {
			return err
		}
	}
	if !target.Pinned {
		target.Pinned = true
		target.Active = true
		target.Priority = 0
		if err := app.Store.UpdateSource(*target); err != nil {
			return err
		}
	}

	// A pinned source becomes the subscription's canonical feed.
	sub.SourceURL = target.URL
	sub.PreferredProvider = target.Provider
	sub.Status = model.SubscriptionActive
	sub.UpdatedAtNs = time.Now().UnixNano()
	if err := app.Store.UpdateSubscription(*sub); err != nil {
		return err
	}
	app.Printer.Success("已置顶 %s (%s)", url, target.Provider)
	return nil
}

func providerByName(providers []source.Provider, name string) source.Provider {
	for _, p := range providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func boolMark(v bool) string {
	if v {
		return "✔"
	}
	return ""
}

func init() {
	sourceCmd.AddCommand(sourceListCmd, sourcePinCmd, sourceUnpinCmd, sourceDoctorCmd)
	rootCmd.AddCommand(sourceCmd)
}
