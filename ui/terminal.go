// Package ui renders engine signals on a terminal and maps typed commands to
// engine actions.
package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/d1nch8g/livevoice/engine"
)

// Controller is the set of actions the UI can trigger.
type Controller interface {
	Start()
	Stop()
	Reset()
}

const help = "commands: s/start, x/stop, r/reset, q/quit"

type styles struct {
	phase  lipgloss.Style
	rec    lipgloss.Style
	status lipgloss.Style
	err    lipgloss.Style
	hint   lipgloss.Style
}

// Terminal is a line-oriented UI.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	ctl    Controller
	styles styles

	mu   sync.Mutex
	last engine.Signals
}

func NewTerminal(in io.Reader, out io.Writer, ctl Controller) *Terminal {
	r := lipgloss.NewRenderer(out)
	return &Terminal{
		in:  in,
		out: out,
		ctl: ctl,
		styles: styles{
			phase:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			rec:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
			status: r.NewStyle().Foreground(lipgloss.Color("15")),
			err:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
			hint:   r.NewStyle().Faint(true),
		},
	}
}

// Render prints the signals. It is registered with engine.OnChange.
func (t *Terminal) Render(s engine.Signals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = s
	fmt.Fprintln(t.out, t.view(s))
}

func (t *Terminal) view(s engine.Signals) string {
	badge := t.styles.phase.Render("[" + s.Phase.String() + "]")
	if s.Recording {
		badge = t.styles.rec.Render("[rec]")
	}

	var b strings.Builder
	b.WriteString(badge)
	if s.Status != "" {
		b.WriteString(" ")
		b.WriteString(t.styles.status.Render(s.Status))
	}
	if s.Error != "" {
		b.WriteString("\n")
		b.WriteString(t.styles.err.Render("error: " + s.Error))
	}
	return b.String()
}

func (t *Terminal) hint(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, t.styles.hint.Render(msg))
}

func (t *Terminal) signals() engine.Signals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Run reads commands until quit, end of input or ctx cancellation.
func (t *Terminal) Run(ctx context.Context) error {
	t.hint(help)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(t.in)
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
			return err
		case line := <-lines:
			if quit := t.handle(strings.TrimSpace(strings.ToLower(line))); quit {
				return nil
			}
		}
	}
}

func (t *Terminal) handle(cmd string) (quit bool) {
	switch cmd {
	case "":
	case "s", "start":
		if s := t.signals(); s.StartDisabled {
			t.hint("start is disabled: " + s.Error)
			return false
		}
		t.ctl.Start()
	case "x", "stop":
		t.ctl.Stop()
	case "r", "reset":
		if t.signals().Recording {
			t.hint("stop recording before reset")
			return false
		}
		t.ctl.Reset()
	case "q", "quit", "exit":
		return true
	default:
		t.hint(help)
	}
	return false
}
