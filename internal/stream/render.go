package stream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/clinagent/pkg/models"
)

// TextRenderer writes events for a human at a terminal. Text fragments are
// written as they arrive; tool activity is shown on its own lines.
type TextRenderer struct {
	out io.Writer

	// Verbose includes tool arguments and payloads.
	Verbose bool

	midLine bool
}

// NewTextRenderer creates a renderer writing to out.
func NewTextRenderer(out io.Writer) *TextRenderer {
	return &TextRenderer{out: out}
}

// Render writes one event.
func (r *TextRenderer) Render(ev models.StreamEvent) error {
	var err error
	switch ev.Type {
	case models.StreamEventText:
		_, err = io.WriteString(r.out, ev.Text)
		r.midLine = ev.Text != "" && !strings.HasSuffix(ev.Text, "\n")
	case models.StreamEventToolSelected:
		r.breakLine()
		if r.Verbose {
			_, err = fmt.Fprintf(r.out, "🔧 %s %s\n", ev.ToolName, ev.Arguments)
		} else {
			_, err = fmt.Fprintf(r.out, "🔧 %s\n", ev.ToolName)
		}
	case models.StreamEventToolResult:
		r.breakLine()
		mark := "✓"
		if !ev.Succeeded() {
			mark = "✗"
		}
		if r.Verbose || !ev.Succeeded() {
			_, err = fmt.Fprintf(r.out, "   %s %s: %v\n", mark, ev.ToolName, ev.Payload)
		} else {
			_, err = fmt.Fprintf(r.out, "   %s %s\n", mark, ev.ToolName)
		}
	case models.StreamEventDone:
		r.breakLine()
	case models.StreamEventError:
		r.breakLine()
		_, err = fmt.Fprintf(r.out, "❌ Error: %s: %s\n", ev.Reason, ev.Error)
	}
	return err
}

// RenderAll renders events until the channel closes or ctx is done.
func (r *TextRenderer) RenderAll(ctx context.Context, events <-chan models.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Render(ev); err != nil {
				return err
			}
		}
	}
}

func (r *TextRenderer) breakLine() {
	if r.midLine {
		_, _ = io.WriteString(r.out, "\n")
		r.midLine = false
	}
}
