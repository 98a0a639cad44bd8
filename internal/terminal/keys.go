// Package terminal turns keyboard input into recording commands.
//
// Input is line based: type a key and press Enter. "r" toggles recording and
// "q" quits. The full command names accepted by [pipeline.ParseCommand]
// ("start", "stop", "toggle", "quit") work as well.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/pinyin/internal/pipeline"
)

// Keys reads commands from a line-oriented reader such as os.Stdin.
type Keys struct {
	r    io.Reader
	send func(pipeline.Command) error
	help io.Writer
}

// Option configures [Keys].
type Option func(*Keys)

// WithHelp writes a short usage hint to w for unrecognised input.
func WithHelp(w io.Writer) Option {
	return func(k *Keys) { k.help = w }
}

// New reads from r and passes each command to send, typically
// (*pipeline.Controller).Send.
func New(r io.Reader, send func(pipeline.Command) error, opts ...Option) *Keys {
	k := &Keys{r: r, send: send}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Parse maps one input line to a command.
func Parse(line string) (pipeline.Command, bool) {
	switch s := strings.ToLower(strings.TrimSpace(line)); s {
	case "r":
		return pipeline.CmdToggle, true
	case "q":
		return pipeline.CmdQuit, true
	default:
		cmd, err := pipeline.ParseCommand(s)
		return cmd, err == nil
	}
}

// Run reads until ctx is done, the reader is exhausted, or a quit command
// has been sent. End of input is not an error.
//
// A blocked read cannot be interrupted; when ctx ends first, the reading
// goroutine stays parked until the reader returns.
func (k *Keys) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(k.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("terminal: read input: %w", err)
			}
			return nil
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, ok := Parse(line)
			if !ok {
				if k.help != nil {
					fmt.Fprintln(k.help, "keys: r = start/stop recording, q = quit")
				}
				continue
			}
			if err := k.send(cmd); err != nil {
				if errors.Is(err, pipeline.ErrCommandQueueFull) {
					slog.Warn("terminal: command dropped, controller busy", "command", cmd)
					continue
				}
				if errors.Is(err, pipeline.ErrClosed) {
					return nil
				}
				return fmt.Errorf("terminal: send %s: %w", cmd, err)
			}
			if cmd == pipeline.CmdQuit {
				return nil
			}
		}
	}
}
