// Package cli holds the storefrontgw commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stepherg/storefrontgw/internal/config"
	"github.com/stepherg/storefrontgw/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// flagKeys maps command flags to the config keys they override.
var flagKeys = map[string]string{
	"listen":     "listen",
	"env":        "env",
	"public-url": "public_url",
}

type app struct {
	configFile string
	envFiles   []string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

// NewRootCommand returns the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "storefrontgw",
		Short: "Storefront API with real-time cache invalidation",
		Long: `storefrontgw serves the storefront's catalog and cart API and pushes
"topic changed" events to connected clients after every mutation, so
their cached queries refetch.`,
		Version:           Version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.SetVersionTemplate("storefrontgw {{.Version}}\n")

	f := root.PersistentFlags()
	f.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	f.StringSliceVar(&a.envFiles, "env-file", []string{".env.local", ".env"}, "dotenv files to load when present")
	f.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides config)")
	f.StringVar(&a.logFormat, "log-format", "", "log format: console or json (overrides config)")

	root.AddCommand(a.newServeCommand(), a.newWatchCommand(), a.newEmitCommand())
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFiles(a.envFiles...); err != nil {
		return err
	}
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		v.Set("log.level", a.logLevel)
	}
	if a.logFormat != "" {
		v.Set("log.format", a.logFormat)
	}
	for flag, key := range flagKeys {
		if fl := cmd.Flags().Lookup(flag); fl != nil && fl.Changed {
			v.Set(key, fl.Value.String())
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: cmd.ErrOrStderr()})
	return nil
}

// Execute runs the root command until it returns or the process is
// interrupted, and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, NewRootCommand(), os.Args[1:], os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, color.RedString("error:"), err)
		return 1
	}
	return 0
}
