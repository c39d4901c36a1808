package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/docchat/internal/query"
	"github.com/haasonsaas/docchat/pkg/models"
)

// answerPrinter writes answer text as content events arrive.
type answerPrinter struct {
	out   io.Writer
	wrote bool
}

func newAnswerPrinter(out io.Writer) *answerPrinter {
	return &answerPrinter{out: out}
}

func (p *answerPrinter) sink() query.EventSink {
	return query.NewCallbackSink(func(_ context.Context, e models.ChatEvent) {
		if e.Type != models.ChatEventContent || e.Content == nil || e.Content.Delta == "" {
			return
		}
		fmt.Fprint(p.out, e.Content.Delta)
		p.wrote = true
	})
}

// finish ends the answer line and lists the referenced pages.
func (p *answerPrinter) finish(result *query.Result) {
	if p.wrote {
		fmt.Fprintln(p.out)
	}
	if result != nil && len(result.Pages) > 0 {
		fmt.Fprintf(p.out, "Pages: %s\n", formatPages(result.Pages))
	}
	p.wrote = false
}

// abort terminates a partially printed answer.
func (p *answerPrinter) abort() {
	if p.wrote {
		fmt.Fprintln(p.out)
	}
	p.wrote = false
}

func formatPages(pages []int) string {
	parts := make([]string, len(pages))
	for i, n := range pages {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func printChunks(out io.Writer, session models.Session) error {
	if len(session.Chunks) == 0 {
		_, err := fmt.Fprintf(out, "No chunks for %s.\n", session.DocumentID)
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAGE\tLABEL\tPINNED\tBOX\tTEXT")
	for _, chunk := range session.Chunks {
		label := chunk.Label
		if label == "" {
			label = "-"
		}
		box := "-"
		if b := chunk.BoundingBox; b != nil {
			box = fmt.Sprintf("%.2f,%.2f,%.2f,%.2f", b.Left, b.Top, b.Right, b.Bottom)
		}
		text := strings.Join(strings.Fields(chunk.Text), " ")
		if len(text) > 60 {
			text = text[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\t%s\n",
			chunk.ID, chunk.PageNumber, label, session.IsPinned(chunk.ID), box, text)
	}
	return w.Flush()
}

func printChunkChange(out io.Writer, session models.Session) {
	fmt.Fprintf(out, "%s %s: %d chunks (spatial data: %t)\n",
		time.Now().Format(time.RFC3339), session.DocumentID, len(session.Chunks), session.HasSpatialData)
}

// lockedWriter serializes writes from the prompt loop and store listeners.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
