package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"httpsniff/flow"
	"httpsniff/inspector"
	"httpsniff/tunnel/protocol"
)

func newPcapCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pcap FILE...",
		Short: "Classify the TCP flows of pcap or pcapng captures (\"-\" reads stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			stats, err := inspector.NewStats(nil, "")
			if err != nil {
				return err
			}
			inspectorConfig, err := newInspectorConfig(cfg, stats)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := flow.NewTable(logger, inspectorConfig, func(f *flow.Flow) {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d\n", f.Key(), protocol.Name(f.Mark()), f.Outcome().Kind, f.Inspected())
			})

			for _, path := range args {
				if err := replayFile(cmd.InOrStdin(), path, table); err != nil {
					return err
				}
			}

			total := stats.Snapshot()
			fmt.Fprintf(out, "http10_found=%d http11_found=%d http2_found=%d http_not_found=%d read_error=%d\n",
				total.HTTP10Found, total.HTTP11Found, total.HTTP2Found, total.HTTPNotFound, total.ReadError)
			return nil
		},
	}
}

func replayFile(stdin io.Reader, path string, table *flow.Table) error {
	var r io.Reader = stdin
	if path != "-" {
		file, err := os.Open(filepath.Clean(path))
		if err != nil {
			return err
		}
		defer file.Close()
		r = file
	}

	if _, err := flow.Replay(r, table); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
