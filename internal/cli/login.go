package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/discovery"
	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/wechatweb"
)

const qrPollInterval = 2 * time.Second

var loginProviderFlag string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "登录发现渠道（微信读书 cookie 或网页版扫码）",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(app *App) error {
			provider := loginProviderFlag
			if provider == "" {
				provider = app.Config.SessionProvider
			}
			switch provider {
			case "weread":
				return loginWeread(app)
			case "wechat_web":
				return loginWechatWeb(cmd.Context(), app)
			default:
				return fmt.Errorf("未知登录渠道 %q (可选: weread, wechat_web)", provider)
			}
		})
	},
}

// loginWeread stores a pasted browser cookie. Both the raw Cookie header
// and a devtools JSON export are accepted.
func loginWeread(app *App) error {
	app.Printer.Print("打开 https://weread.qq.com 登录后，从浏览器开发者工具复制 Cookie，粘贴到下面:")
	app.Printer.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return fmt.Errorf("未读到任何输入")
	}
	token := discovery.ParseWereadToken(scanner.Text())
	if token == "" {
		return fmt.Errorf("输入为空，登录未保存")
	}

	if err := app.Vault.Set("weread", token); err != nil {
		return fmt.Errorf("save weread token: %w", err)
	}
	now := time.Now().UnixNano()
	if err := app.Store.UpsertAuthSession(model.AuthSession{
		Provider:    "weread",
		UpdatedAtNs: now,
	}); err != nil {
		return err
	}
	app.Printer.Success("微信读书登录态已保存")
	return nil
}

// loginWechatWeb drives the QR handshake: show the code URL, poll until the
// phone confirms, then persist the session blob and account record.
func loginWechatWeb(ctx context.Context, app *App) error {
	client := wechatweb.NewAuthClient(app.Config.HTTPTimeout)
	login, err := client.Start(ctx)
	if err != nil {
		return err
	}
	app.Printer.Print("请用微信扫描二维码: %s", login.QRURL)
	app.Printer.Info("在浏览器中打开上面的链接可显示二维码")

	var confirmed *wechatweb.AuthProgress
	deadline := time.Now().Add(5 * time.Minute)
	lastStatus := wechatweb.AuthStatus("")
	for time.Now().Before(deadline) {
		progress, err := client.Poll(ctx, login)
		if err != nil {
			return err
		}
		if progress.Status != lastStatus {
			lastStatus = progress.Status
			app.Printer.Print("%s", progress.Message)
		}
		if progress.Status == wechatweb.AuthConfirmed {
			confirmed = progress
			break
		}
		if progress.Status == wechatweb.AuthExpired || progress.Status == wechatweb.AuthFailed {
			return fmt.Errorf("扫码登录失败: %s", progress.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(qrPollInterval):
		}
	}
	if confirmed == nil {
		return fmt.Errorf("扫码登录超时")
	}

	sess, err := client.Finish(ctx, confirmed)
	if err != nil {
		return err
	}
	blob, err := wechatweb.SerializeSession(sess)
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	if err := app.Vault.Set("wechat_web", blob); err != nil {
		return fmt.Errorf("save wechat_web session: %w", err)
	}

	now := time.Now().UnixNano()
	if _, err := app.Store.UpsertWechatAccount(model.WechatAccount{
		Fingerprint:   wechatweb.AccountFingerprint(sess.Wxuin),
		Nickname:      sess.Nickname,
		LastLoginAtNs: now,
	}); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"nickname": sess.Nickname})
	if err := app.Store.UpsertAuthSession(model.AuthSession{
		Provider:     "wechat_web",
		MetadataJSON: string(meta),
		ExpiresAtNs:  sess.ExpiresAt.UnixNano(),
		UpdatedAtNs:  now,
	}); err != nil {
		return err
	}
	app.Printer.Success("网页版登录成功: %s", sess.Nickname)
	return nil
}

func init() {
	loginCmd.Flags().StringVar(&loginProviderFlag, "provider", "", "weread or wechat_web (default from config)")
	rootCmd.AddCommand(loginCmd)
}
