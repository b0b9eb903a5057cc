// Package cli is the enigma command line. With no arguments it opens the
// interactive browser; subcommands cover scripted use.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blowfish/enigma/internal/console/app"
	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/config"
	"github.com/blowfish/enigma/internal/console/tui"
)

// Version is stamped at build time.
var Version = "dev"

// Execute runs the enigma CLI.
func Execute(ctx context.Context) error {
	return newRootCmd(newEnvironment()).ExecuteContext(ctx)
}

// environment holds what the commands share: the viper instance flags are bound
// to and the lazily built Console.
type environment struct {
	v          *viper.Viper
	configFile string

	// sessions and logOutput override the console defaults in tests.
	sessions  auth.SessionStore
	logOutput io.Writer
	// interactive reports whether the password can be read from a terminal.
	interactive func() bool
	runTUI      func(ctx context.Context, c *app.Console) error

	console *app.Console
}

func newEnvironment() *environment {
	return &environment{
		v:           config.New(),
		interactive: stdinIsTerminal,
		runTUI:      tui.Run,
	}
}

// Console loads the configuration and builds the Console on first use.
func (e *environment) Console() (*app.Console, error) {
	if e.console != nil {
		return e.console, nil
	}
	cfg, err := config.Load(e.v, e.configFile)
	if err != nil {
		return nil, err
	}
	out := e.logOutput
	if out == nil {
		out = os.Stderr
	}
	c, err := app.New(app.Options{Config: cfg, LogOutput: out, Sessions: e.sessions})
	if err != nil {
		return nil, err
	}
	e.console = c
	return c, nil
}

func (e *environment) close() {
	if e.console != nil {
		e.console.Close()
		e.console = nil
	}
}

func newRootCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "enigma",
		Short:         "BlowFish Enigma payments console",
		Long:          "enigma browses and operates on payment resources served by enigmad. Run it without arguments for the interactive browser.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			return env.runTUI(cmd.Context(), c)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&env.configFile, "config", "", "config file (default "+config.DefaultConfigFile+")")
	flags.StringP("api", "a", "", "enigmad base URL")
	flags.String("session", "", "session file path")
	flags.Duration("timeout", 0, "HTTP request timeout")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("coalesce-refresh", true, "share one token refresh between concurrent requests")
	for key, flag := range map[string]string{
		"api_base":         "api",
		"session_path":     "session",
		"timeout":          "timeout",
		"log_level":        "log-level",
		"coalesce_refresh": "coalesce-refresh",
	} {
		_ = env.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd(env))
	cmd.AddCommand(newLogoutCmd(env))
	cmd.AddCommand(newWhoamiCmd(env))
	cmd.AddCommand(newResourcesCmd())
	cmd.AddCommand(newWatchCmd(env))
	for _, resourceCmd := range newResourceCmds(env) {
		cmd.AddCommand(resourceCmd)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the enigma console version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "enigma %s\n", Version)
		},
	}
}
