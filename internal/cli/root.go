package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mithrel/pairipc/internal/config"
	"github.com/mithrel/pairipc/internal/wire"
)

type ctxKey string

const appKey ctxKey = "app"

// skipAppAnnotation marks commands that run without a wired App.
const skipAppAnnotation = "pairipc/skip-app"

// Execute is the entrypoint: it builds the root cobra.Command
// and calls its Execute() method to run the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// flagKeys maps flags to the config keys they override. Command-local
// flags are listed too; commands without them are skipped by Lookup.
var flagKeys = map[string]string{
	"port":         "port",
	"partner-port": "partner_port",
	"strict":       "decode.strict",
	"log-level":    "log.level",
	"timeout":      "send.timeout",
	"rate":         "send.rate",
	"metrics-addr": "metrics.addr",
}

// NewRootCmd constructs the Cobra root command and wires dependencies.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "pairipc",
		Short:         "pairipc: paired loopback messaging between two processes",
		SilenceUsage:  true, // don't show usage on runtime errors
		SilenceErrors: true, // let main print errors once
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipApp(cmd) {
				return nil
			}
			v := viper.New()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
			}
			if err := config.Load(cmd.Context(), v); err != nil {
				return err
			}
			applyConfigFlagOverrides(cmd, v, flagKeys)
			app, err := wire.BuildApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			ctx := context.WithValue(cmd.Context(), appKey, app)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app, ok := cmd.Context().Value(appKey).(*wire.App); ok {
				return app.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (toml|yaml)")
	cmd.PersistentFlags().Int("port", 0, "local port (override config port)")
	cmd.PersistentFlags().Int("partner-port", 0, "partner port (override config partner_port)")
	cmd.PersistentFlags().Bool("strict", false, "reject payloads with undeclared fields (override config decode.strict)")
	cmd.PersistentFlags().String("log-level", "", "log level (override config log.level)")

	cmd.AddCommand(newListenCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newCompletionCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }

	return cmd
}

func skipApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[skipAppAnnotation]; ok {
			return true
		}
	}
	return false
}

func getApp(cmd *cobra.Command) *wire.App {
	v := cmd.Context().Value(appKey)
	if v == nil {
		fmt.Fprintln(os.Stderr, "internal error: app not initialized")
		os.Exit(1)
	}
	return v.(*wire.App)
}
