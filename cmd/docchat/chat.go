package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/docchat/internal/chunksync"
	"github.com/haasonsaas/docchat/internal/query"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const chatHelp = `Commands:
  /pin ID      pin a chunk
  /unpin ID    unpin a chunk
  /pins        list pinned chunks
  /clear       clear all pins
  /page N      set the current page
  /chunks      refresh and list chunks
  /doc ID      switch to another document
  /quit        leave
Anything else is sent as a question.`

type chatOptions struct {
	documentID string
	stream     bool
	streamSet  bool
	interval   time.Duration
}

func runChat(cmd *cobra.Command, opts *globalOptions, o chatOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	syncer, err := a.synchronizer(o.interval, "", nil)
	if err != nil {
		return err
	}
	stream := a.cfg.Query.Streaming
	if o.streamSet {
		stream = o.stream
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	printer := newAnswerPrinter(out)
	chat := &chatSession{
		app:      a,
		consumer: a.consumer(stream, printer.sink()),
		syncer:   syncer,
		printer:  printer,
		out:      out,
	}
	if o.documentID != "" {
		chat.switchDocument(o.documentID)
	}

	syncCtx, cancelSync := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = syncer.Run(syncCtx)
	}()
	defer func() {
		cancelSync()
		wg.Wait()
	}()

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	if interactive {
		fmt.Fprintln(out, `docchat - type a question, or /help for commands.`)
	}

	lines := readLines(ctx, in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if chat.handle(ctx, line) {
				return nil
			}
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readLines feeds lines from r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// chatSession interprets one line of chat input at a time.
type chatSession struct {
	app      *app
	consumer *query.Consumer
	syncer   *chunksync.Synchronizer
	printer  *answerPrinter
	out      io.Writer
}

// handle processes line and reports whether the chat should end.
func (c *chatSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.ask(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	store := c.app.store

	switch command {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(c.out, chatHelp)

	case "/pin":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: /pin ID...")
			return false
		}
		for _, id := range args {
			if !store.Snapshot().IsPinned(id) {
				store.TogglePin(id)
			}
			fmt.Fprintf(c.out, "Pinned %s\n", id)
		}

	case "/unpin":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: /unpin ID...")
			return false
		}
		for _, id := range args {
			if !store.Snapshot().IsPinned(id) {
				fmt.Fprintf(c.out, "%s is not pinned\n", id)
				continue
			}
			store.TogglePin(id)
			fmt.Fprintf(c.out, "Unpinned %s\n", id)
		}

	case "/pins":
		pins := store.PinnedChunkIDs()
		if len(pins) == 0 {
			fmt.Fprintln(c.out, "No pinned chunks.")
			return false
		}
		fmt.Fprintf(c.out, "Pinned: %s\n", strings.Join(pins, ", "))

	case "/clear":
		store.ClearPins()
		fmt.Fprintln(c.out, "Pins cleared.")

	case "/page":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: /page N")
			return false
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fmt.Fprintln(c.out, "usage: /page N (N >= 1)")
			return false
		}
		store.SetPage(n)
		fmt.Fprintf(c.out, "Page %d\n", n)

	case "/chunks":
		if err := c.syncer.Refresh(ctx); err != nil {
			c.printError(err)
			return false
		}
		if err := printChunks(c.out, store.Snapshot()); err != nil {
			c.printError(err)
		}

	case "/doc":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: /doc ID")
			return false
		}
		c.switchDocument(args[0])

	default:
		fmt.Fprintf(c.out, "Unknown command %s (try /help)\n", command)
	}
	return false
}

func (c *chatSession) switchDocument(documentID string) {
	c.app.loadDocument(documentID, "")
	fmt.Fprintf(c.out, "Loaded %s\n", documentID)
}

func (c *chatSession) ask(ctx context.Context, question string) {
	result, err := c.consumer.Ask(ctx, question)
	if err != nil {
		c.printer.abort()
		c.printError(err)
		return
	}
	c.printer.finish(result)
}

func (c *chatSession) printError(err error) {
	switch {
	case errors.Is(err, query.ErrNoDocument), errors.Is(err, chunksync.ErrNoDocument):
		fmt.Fprintln(c.out, "No document loaded. Use /doc ID first.")
	case errors.Is(err, query.ErrSuperseded):
		fmt.Fprintln(c.out, "Answer discarded: the document changed.")
	default:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}
