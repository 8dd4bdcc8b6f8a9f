// main.go
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"httpsniff/config"
	"httpsniff/inspector"
)

// platformCommands are registered by files built only on some platforms.
var platformCommands []func(*globalOptions) *cobra.Command

type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "httpsniff",
		Short:        "Classify TCP connections as HTTP/1.0, HTTP/1.1 or HTTP/2 from their first bytes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCommand(opts),
		newPcapCommand(opts),
		newProbeCommand(opts),
		newConfigCommand(opts),
	)
	for _, command := range platformCommands {
		root.AddCommand(command(opts))
	}
	return root
}

// load returns the configuration file merged over the defaults, with the
// global flags applied, and a logger at the configured level.
func (o *globalOptions) load() (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func newInspectorConfig(cfg *config.Config, stats *inspector.Stats) (*inspector.Config, error) {
	inspectorConfig, err := inspector.NewConfig(stats, cfg.MaxInspectSize)
	if err != nil {
		return nil, fmt.Errorf("inspector config: %w", err)
	}
	return inspectorConfig, nil
}

func newConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}

			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n")+"\n")
			return err
		},
	}
}
