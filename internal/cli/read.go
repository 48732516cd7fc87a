package cli

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/view"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "管理已读状态",
}

var readMarkDateFlag string

var readMarkCmd = &cobra.Command{
	Use:   "mark <day-id>...",
	Short: "把当日编号对应的文章标记为已读",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(readMarkDateFlag, time.Now())
			if err != nil {
				return err
			}
			items, err := app.View.Day(day)
			if err != nil {
				return err
			}
			now := time.Now().UnixNano()
			for _, arg := range args {
				dayID, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("无效编号 %q", arg)
				}
				item, ok := view.ByDayID(items, dayID)
				if !ok {
					return fmt.Errorf("%s 没有编号 %d 的文章", view.DayKey(day), dayID)
				}
				if err := app.Store.MarkRead(item.Article.ID, true, now); err != nil {
					return err
				}
				app.Printer.Success("已读 #%d %s", dayID, truncateCell(item.Article.Title, 40))
			}
			return nil
		})
	},
}

var openDateFlag string

var openCmd = &cobra.Command{
	Use:   "open <day-id>",
	Short: "在浏览器中打开当日编号对应的文章",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			day, err := view.ParseDay(openDateFlag, time.Now())
			if err != nil {
				return err
			}
			dayID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("无效编号 %q", args[0])
			}
			items, err := app.View.Day(day)
			if err != nil {
				return err
			}
			item, ok := view.ByDayID(items, dayID)
			if !ok {
				return fmt.Errorf("%s 没有编号 %d 的文章", view.DayKey(day), dayID)
			}
			if item.Article.URL == "" {
				return fmt.Errorf("文章 #%d 没有可打开的链接", dayID)
			}

			app.Printer.Print("%s", item.Article.URL)
			if err := openInBrowser(item.Article.URL); err != nil {
				app.Printer.Warning("无法打开浏览器: %v", err)
			}
			return nil
		})
	},
}

func openInBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

func init() {
	readMarkCmd.Flags().StringVar(&readMarkDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")
	openCmd.Flags().StringVar(&openDateFlag, "date", "", "target day, YYYY-MM-DD (default today)")

	readCmd.AddCommand(readMarkCmd)
	rootCmd.AddCommand(readCmd, openCmd)
}
