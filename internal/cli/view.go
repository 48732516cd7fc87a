package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/output"
	"github.com/wxagent/wxagent/internal/view"
)

var (
	viewDateFlag       string
	viewModeFlag       string
	viewStrictLiveFlag bool
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "按日查看文章列表",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(viewDateFlag, time.Now())
			if err != nil {
				return err
			}
			modeArg := viewModeFlag
			if modeArg == "" {
				modeArg = app.Config.DefaultViewMode
			}
			mode, err := view.ParseMode(modeArg)
			if err != nil {
				return err
			}

			items, err := app.View.Day(day)
			if err != nil {
				return err
			}
			if viewStrictLiveFlag {
				if items, err = app.View.StrictLive(items, day); err != nil {
					return err
				}
			} else if err := app.View.AnnotateStale(items, day); err != nil {
				return err
			}
			if len(items) == 0 {
				app.Printer.Info("%s 没有文章", view.DayKey(day))
				return nil
			}

			ordered, err := app.View.Order(items, mode)
			if err != nil {
				return err
			}

			app.Printer.Header(fmt.Sprintf("%s · %d 篇 · %s 视图", view.DayKey(day), len(ordered), mode))
			if mode == view.ModeSource {
				renderBySource(app, ordered)
				return nil
			}
			renderItems(app, ordered)
			return nil
		})
	},
}

// renderBySource emits one table per contiguous subscription block.
func renderBySource(app *App, items []view.Item) {
	start := 0
	for i := 1; i <= len(items); i++ {
		if i < len(items) && items[i].SubscriptionName == items[start].SubscriptionName {
			continue
		}
		app.Printer.Print("%s", app.Printer.Bold(items[start].SubscriptionName))
		renderItems(app, items[start:i])
		start = i
	}
}

func renderItems(app *App, items []view.Item) {
	tbl := newViewTable()
	for _, item := range items {
		tbl.AddRow(viewRow(app, item))
	}
	tbl.Render()
}

func newViewTable() *output.Table {
	return output.NewTable([]string{"id", "时间", "订阅", "标题", "摘要", "分数", "状态"})
}

func viewRow(app *App, item view.Item) []string {
	published := time.Unix(0, item.Article.PublishedAtNs).Local().Format("15:04")
	score := "-"
	if item.HasScore {
		score = strconv.FormatFloat(item.Score, 'f', 2, 64)
	}
	status := ""
	if item.IsRead {
		status = app.Printer.Dim("已读")
	}
	if item.StaleNote != "" {
		if status != "" {
			status += " "
		}
		status += app.Printer.Dim(item.StaleNote)
	}
	return []string{
		strconv.Itoa(item.DayID),
		published,
		item.SubscriptionName,
		truncateCell(item.Article.Title, 40),
		truncateCell(item.Summary, 50),
		score,
		status,
	}
}

func truncateCell(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func init() {
	viewCmd.Flags().StringVar(&viewDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")
	viewCmd.Flags().StringVar(&viewModeFlag, "mode", "", "view mode: source, time or recommend (default from config)")
	viewCmd.Flags().BoolVar(&viewStrictLiveFlag, "strict-live", false, "only subscriptions fetched live in the day's run")
	rootCmd.AddCommand(viewCmd)
}
