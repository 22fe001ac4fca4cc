// Package clipboard copies text to the user's terminal clipboard with OSC52
// escape sequences, which also works over SSH.
package clipboard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aymanbagabas/go-osc52/v2"
)

// maxPayload is the largest text most terminals accept in one sequence.
const maxPayload = 74994

// ErrTooLarge is returned for text over the terminal limit.
var ErrTooLarge = errors.New("text too large for OSC52 clipboard")

// OSC52 writes clipboard sequences to a terminal.
type OSC52 struct {
	mu   sync.Mutex
	out  io.Writer
	mode osc52.Mode
}

// New writes to out, wrapping sequences for tmux or screen when term says so.
func New(out io.Writer, term string, inTmux bool) *OSC52 {
	mode := osc52.DefaultMode
	switch {
	case inTmux:
		mode = osc52.TmuxMode
	case strings.HasPrefix(term, "screen"):
		mode = osc52.ScreenMode
	}
	return &OSC52{out: out, mode: mode}
}

// NewTerminal writes to stderr and detects the multiplexer from the environment.
func NewTerminal() *OSC52 {
	return New(os.Stderr, os.Getenv("TERM"), os.Getenv("TMUX") != "")
}

// Copy places text on the system clipboard.
func (c *OSC52) Copy(text string) error {
	if len(text) > maxPayload {
		return ErrTooLarge
	}
	seq := osc52.New(text).Mode(c.mode)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := seq.WriteTo(c.out); err != nil {
		return fmt.Errorf("failed to write clipboard sequence: %w", err)
	}
	return nil
}
