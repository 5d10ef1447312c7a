package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/phonestate-mqtt/internal/bridge"
	"github.com/sweeney/phonestate-mqtt/internal/feed"
	"github.com/sweeney/phonestate-mqtt/internal/logging"
	"github.com/sweeney/phonestate-mqtt/internal/tracker"
)

type replayOptions struct {
	Listen   bool
	Topics   bool
	Prefix   string
	LogLevel string
}

func newReplayCmd() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <file|->",
		Short: "Run a captured call feed through the tracker and print the events",
		Long: `replay parses a call feed capture, runs every observation through the call
tracker and writes one JSON event per line to stdout. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening capture: %w", err)
				}
				defer f.Close()
				in = f
			}
			return replay(cmd.Context(), in, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Listen, "listen", true, "Attach a consumer; with --listen=false events are computed and discarded")
	cmd.Flags().BoolVar(&opts.Topics, "topics", false, "Prefix each line with the MQTT topic the event would be published on")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "phonestate", "Topic prefix used with --topics")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "Log level for diagnostics written to stderr")
	return cmd
}

func replay(ctx context.Context, in io.Reader, out, errOut io.Writer, opts replayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetOutput(errOut)
	logger.SetLevel(level)

	stream := feed.NewStream(logrus.NewEntry(logger))
	trk := tracker.New(stream, tracker.WithLogger(logrus.NewEntry(logger)))
	defer trk.Close()

	w := bufio.NewWriter(out)
	var writeErr error
	if opts.Listen {
		trk.Start(tracker.ConsumerFunc(func(evt tracker.Event) {
			if writeErr != nil {
				return
			}
			writeErr = writeEvent(w, evt, opts)
		}))
	}

	if err := stream.Run(ctx, in); err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	if active := trk.ActiveCalls(); active > 0 {
		logger.Warnf("%d call(s) still active at end of capture", active)
	}
	return w.Flush()
}

func writeEvent(w io.Writer, evt tracker.Event, opts replayOptions) error {
	data, err := bridge.Encode(evt)
	if err != nil {
		return err
	}
	if opts.Topics {
		_, err = fmt.Fprintf(w, "%s %s\n", bridge.Topic(opts.Prefix, evt), data)
	} else {
		_, err = fmt.Fprintf(w, "%s\n", data)
	}
	return err
}
