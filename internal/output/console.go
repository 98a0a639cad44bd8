// Package output delivers pipeline events and records to people and programs:
// a two-column terminal view, a JSON lines log, and a WebSocket hub for
// browser clients. Every type here implements [pipeline.Sink]; [Fanout]
// combines them.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/width"

	"github.com/MrWong99/pinyin/internal/pipeline"
)

const (
	separator       = " │ "
	minConsoleWidth = 20
	failedText      = "[translation failed]"
)

// ConsoleOption configures a [Console].
type ConsoleOption func(*Console)

// WithWidth sets the total line width. Default: 100.
func WithWidth(n int) ConsoleOption {
	return func(c *Console) {
		if n >= minConsoleWidth {
			c.width = n
		}
	}
}

// WithStatus prints mode changes and errors in addition to records.
// Default: true.
func WithStatus(enabled bool) ConsoleOption {
	return func(c *Console) { c.status = enabled }
}

// Console prints each record as two columns, original on the left and
// translation on the right. Column widths account for double-width East
// Asian characters.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	width  int
	status bool
}

var _ pipeline.Sink = (*Console)(nil)

// NewConsole writes to w.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{w: w, width: 100, status: true}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HandleEvent implements pipeline.Sink.
func (c *Console) HandleEvent(ev pipeline.Event) {
	if !c.status {
		return
	}
	var line string
	switch ev.Kind {
	case pipeline.EventModeChanged:
		switch ev.Mode {
		case pipeline.ModeListening:
			line = "● recording (press r to stop, q to quit)"
		case pipeline.ModeStopping:
			line = "◌ finishing pending work…"
		default:
			line = "■ idle (press r to record, q to quit)"
		}
	case pipeline.EventError:
		line = fmt.Sprintf("! %s: %s", ev.ErrorKind, ev.Message)
	default:
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

// WriteRecord implements pipeline.Sink.
func (c *Console) WriteRecord(rec pipeline.Record) error {
	col := (c.width - StringWidth(separator)) / 2
	right := rec.Translated
	if rec.Failed {
		right = failedText
	}
	left := wrap(rec.Original, col)
	rightLines := wrap(right, col)

	var sb strings.Builder
	for i := range max(len(left), len(rightLines)) {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(rightLines) {
			r = rightLines[i]
		}
		sb.WriteString(l)
		sb.WriteString(strings.Repeat(" ", max(0, col-StringWidth(l))))
		sb.WriteString(separator)
		sb.WriteString(r)
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Repeat("─", c.width))
	sb.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, sb.String()); err != nil {
		return fmt.Errorf("output: console write: %w", err)
	}
	return nil
}

// RuneWidth returns the number of terminal cells r occupies.
func RuneWidth(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	}
	return 1
}

// StringWidth returns the number of terminal cells s occupies.
func StringWidth(s string) int {
	n := 0
	for _, r := range s {
		n += RuneWidth(r)
	}
	return n
}

// wrap breaks s into lines no wider than w cells. Latin text breaks at the
// last space; text without spaces breaks anywhere.
func wrap(s string, w int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		var (
			line  []rune
			lw    int
			space = -1
		)
		for _, r := range para {
			rw := RuneWidth(r)
			for lw+rw > w && len(line) > 0 {
				if space >= 0 && r != ' ' {
					lines = append(lines, strings.TrimRight(string(line[:space]), " "))
					line = append([]rune(nil), line[space+1:]...)
				} else {
					lines = append(lines, strings.TrimRight(string(line), " "))
					line = nil
				}
				lw = StringWidth(string(line))
				space = -1
			}
			if r == ' ' && len(line) == 0 {
				continue
			}
			line = append(line, r)
			lw += rw
			if r == ' ' {
				space = len(line) - 1
			}
		}
		lines = append(lines, strings.TrimRight(string(line), " "))
	}
	return lines
}
