package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/output"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "管理订阅",
}

var (
	subAddIDFlag   string
	subAddURLFlag  string
	subAddModeFlag string
)

var subAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "新增一个公众号订阅",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			name := args[0]
			wechatID := subAddIDFlag
			if wechatID == "" {
				// Channels discovered by name only still need a stable key.
				wechatID = "auto_" + uuid.NewString()
			}
			existing, err := app.Store.GetSubscriptionByWechatID(wechatID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("订阅 %s 已存在 (id %d)", wechatID, existing.ID)
			}

			mode := model.SourceMode(subAddModeFlag)
			if !mode.IsValid() {
				return fmt.Errorf("无效来源模式 %q (可选: auto, manual)", subAddModeFlag)
			}
			if subAddURLFlag != "" {
				mode = model.SourceModeManual
			}

			now := time.Now().UnixNano()
			id, err := app.Store.CreateSubscription(model.Subscription{
				WechatID:        wechatID,
				Name:            name,
				Status:          model.SubscriptionPending,
				DiscoveryStatus: model.DiscoveryPending,
				SourceMode:      mode,
				SourceURL:       subAddURLFlag,
				CreatedAtNs:     now,
				UpdatedAtNs:     now,
			})
			if err != nil {
				return err
			}
			app.Printer.Success("已添加订阅 %s (%s, id %d)", name, wechatID, id)
			return nil
		})
	},
}

var subListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出全部订阅",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			subs, err := app.Store.ListSubscriptions()
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				app.Printer.Info("尚无订阅")
				return nil
			}
			tbl := output.NewTable([]string{"id", "公众号", "名称", "状态", "模式", "来源"})
			for _, sub := range subs {
				tbl.AddRow([]string{
					strconv.FormatInt(sub.ID, 10),
					sub.WechatID,
					sub.Name,
					app.Printer.StatusBadge(string(sub.Status)),
					string(sub.SourceMode),
					truncateCell(sub.SourceURL, 56),
				})
			}
			tbl.Render()
			return nil
		})
	},
}

var subRemoveCmd = &cobra.Command{
	Use:   "remove <wechat-id|id>",
	Short: "删除订阅及其全部文章",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			sub, err := resolveSubscription(app, args[0])
			if err != nil {
				return err
			}
			if err := app.Store.DeleteSubscription(sub.ID); err != nil {
				return err
			}
			app.Printer.Success("已删除订阅 %s (%s)", sub.Name, sub.WechatID)
			return nil
		})
	},
}

// subEntry is the YAML round-trip record for import/export.
type subEntry struct {
	WechatID   string `yaml:"wechat_id"`
	Name       string `yaml:"name"`
	SourceMode string `yaml:"source_mode,omitempty"`
	SourceURL  string `yaml:"source_url,omitempty"`
}

var subFileFlag string

var subExportCmd = &cobra.Command{
	Use:   "export",
	Short: "导出订阅列表为 YAML",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			subs, err := app.Store.ListSubscriptions()
			if err != nil {
				return err
			}
			entries := make([]subEntry, 0, len(subs))
			for _, sub := range subs {
				entries = append(entries, subEntry{
					WechatID:   sub.WechatID,
					Name:       sub.Name,
					SourceMode: string(sub.SourceMode),
					SourceURL:  sub.SourceURL,
				})
			}
			data, err := yaml.Marshal(entries)
			if err != nil {
				return fmt.Errorf("marshal subscriptions: %w", err)
			}
			if subFileFlag == "" {
				fmt.Print(string(data))
				return nil
			}
			if err := os.WriteFile(subFileFlag, data, 0o644); err != nil {
				return err
			}
			app.Printer.Success("已导出 %d 个订阅到 %s", len(entries), subFileFlag)
			return nil
		})
	},
}

var subImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "从 YAML 导入订阅（按公众号 id 合并）",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entries []subEntry
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			created, updated := 0, 0
			now := time.Now().UnixNano()
			for _, entry := range entries {
				if entry.WechatID == "" || entry.Name == "" {
					return fmt.Errorf("导入记录缺少 wechat_id 或 name: %+v", entry)
				}
				mode := model.SourceMode(entry.SourceMode)
				if entry.SourceMode == "" {
					mode = model.SourceModeAuto
				}
				if !mode.IsValid() {
					return fmt.Errorf("订阅 %s: 无效来源模式 %q", entry.WechatID, entry.SourceMode)
				}

				existing, err := app.Store.GetSubscriptionByWechatID(entry.WechatID)
				if err != nil {
					return err
				}
				if existing == nil {
					_, err = app.Store.CreateSubscription(model.Subscription{
						WechatID:        entry.WechatID,
						Name:            entry.Name,
						Status:          model.SubscriptionPending,
						DiscoveryStatus: model.DiscoveryPending,
						SourceMode:      mode,
						SourceURL:       entry.SourceURL,
						CreatedAtNs:     now,
						UpdatedAtNs:     now,
					})
					if err != nil {
						return err
					}
					created++
					continue
				}
				existing.Name = entry.Name
				existing.SourceMode = mode
				existing.SourceURL = entry.SourceURL
				existing.UpdatedAtNs = now
				if err := app.Store.UpdateSubscription(*existing); err != nil {
					return err
				}
				updated++
			}
			app.Printer.Success("导入完成: 新增 %d, 更新 %d", created, updated)
			return nil
		})
	},
}

func init() {
	subAddCmd.Flags().StringVar(&subAddIDFlag, "id", "", "wechat channel id (generated when omitted)")
	subAddCmd.Flags().StringVar(&subAddURLFlag, "url", "", "manual feed url (implies --mode manual)")
	subAddCmd.Flags().StringVar(&subAddModeFlag, "mode", "auto", "source mode: auto or manual")
	subExportCmd.Flags().StringVar(&subFileFlag, "file", "", "write to file instead of stdout")

	subCmd.AddCommand(subAddCmd, subListCmd, subRemoveCmd, subExportCmd, subImportCmd)
	rootCmd.AddCommand(subCmd)
}
