package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// buildAskCmd creates the "ask" command.
func buildAskCmd(opts *globalOptions) *cobra.Command {
	var (
		documentID string
		sourceURL  string
		pins       []string
		stream     bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask one question about a document",
		Long: `Ask one question about a document and print the answer.

Pinned chunks narrow the question to the selected passages. With --stream the
answer is printed as it arrives.`,
		Example: `  docchat ask --doc report.pdf "What is the abstract about?"
  docchat ask --doc report.pdf --pin c12 --pin c13 --stream "Summarize these"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamSet := cmd.Flags().Changed("stream")
			return runAsk(cmd, opts, askOptions{
				documentID: documentID,
				sourceURL:  sourceURL,
				pins:       pins,
				stream:     stream,
				streamSet:  streamSet,
				question:   strings.Join(args, " "),
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "doc", "", "Document id (required)")
	cmd.Flags().StringVar(&sourceURL, "source", "", "Document location shown to viewers")
	cmd.Flags().StringArrayVar(&pins, "pin", nil, "Chunk id to pin (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the answer incrementally (default from config)")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

// buildChunksCmd creates the "chunks" command.
func buildChunksCmd(opts *globalOptions) *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "List the chunks of a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChunks(cmd, opts, documentID)
		},
	}
	cmd.Flags().StringVar(&documentID, "doc", "", "Document id (required)")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

// buildWatchCmd creates the "watch" command.
func buildWatchCmd(opts *globalOptions) *cobra.Command {
	var w watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a document's chunk set synchronized",
		Long: `Poll (or subscribe to) the backend for a document's chunks and print every
change until interrupted.

Polling runs every --interval, or on a cron --schedule such as "*/10 * * * * *"
or "@every 30s". With --push the websocket chunk feed is used instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w.pushSet = cmd.Flags().Changed("push")
			return runWatch(cmd, opts, w)
		},
	}
	cmd.Flags().StringVar(&w.documentID, "doc", "", "Document id (required)")
	cmd.Flags().DurationVar(&w.interval, "interval", 0, "Polling interval (default from config)")
	cmd.Flags().StringVar(&w.schedule, "schedule", "", "Cron schedule for polling (overrides --interval)")
	cmd.Flags().BoolVar(&w.push, "push", false, "Use the websocket chunk feed instead of polling")
	cmd.Flags().StringVar(&w.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

// buildChatCmd creates the interactive "chat" command.
func buildChatCmd(opts *globalOptions) *cobra.Command {
	var (
		documentID string
		stream     bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a document interactively",
		Long: `Start an interactive chat about a document. Lines are sent as questions;
lines starting with "/" are commands:

  /pin ID      pin a chunk
  /unpin ID    unpin a chunk
  /pins        list pinned chunks
  /clear       clear all pins
  /page N      set the current page
  /chunks      list the chunks of the current document
  /doc ID      switch to another document
  /quit        leave

The chunk set is kept synchronized in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			streamSet := cmd.Flags().Changed("stream")
			return runChat(cmd, opts, chatOptions{
				documentID: documentID,
				stream:     stream,
				streamSet:  streamSet,
				interval:   interval,
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "doc", "", "Document id to start with")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream answers incrementally (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Chunk polling interval (default from config)")
	return cmd
}

// buildHealthCmd creates the "health" command.
func buildHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, opts)
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, opts)
			},
		},
	)
	return cmd
}
