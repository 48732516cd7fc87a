// Package cli implements the wxagent command tree.
package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/output"
)

var (
	envFlag     string
	noColorFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "wxagent",
	Short: "公众号文章聚合与阅读助手",
	Long: `wxagent aggregates articles from WeChat public channels into a local
SQLite store, summarizes them in Chinese and ranks them against the
operator's reading history.

Example usage:
  wxagent sub add 机器之心 --id almosthuman2014
  wxagent sync                 # acquire today's articles
  wxagent view --mode recommend
  wxagent read mark 3 7
  wxagent coverage`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "path to the .env config file")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "disable colored output")
}

// withApp builds the runtime for one command and guarantees teardown.
func withApp(fn func(app *App) error) error {
	app, err := newApp(envFlag, useColors())
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func useColors() bool {
	return output.ColorsEnabled() && !noColorFlag
}

// resolveSubscription accepts either a wechat id or a numeric row id.
func resolveSubscription(app *App, arg string) (*model.Subscription, error) {
	sub, err := app.Store.GetSubscriptionByWechatID(arg)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	if id, convErr := strconv.ParseInt(arg, 10, 64); convErr == nil {
		sub, err = app.Store.GetSubscription(id)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("未找到订阅 %q", arg)
}
