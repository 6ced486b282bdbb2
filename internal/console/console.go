// Package console renders a tournament to a terminal.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/vimeo/spellingbee/wire"
)

// Console is both the local spellingbee.Player and a spellingbee.Sink,
// writing to out. Colors follow color.NoColor.
type Console struct {
	self string

	mu  sync.Mutex
	out io.Writer

	header  *color.Color
	word    *color.Color
	correct *color.Color
	wrong   *color.Color
	me      *color.Color
}

// New returns a Console for the local peer self.
func New(out io.Writer, self string) *Console {
	return &Console{
		self:    self,
		out:     out,
		header:  color.New(color.FgCyan, color.Bold),
		word:    color.New(color.FgYellow, color.Bold),
		correct: color.New(color.FgGreen),
		wrong:   color.New(color.FgRed),
		me:      color.New(color.Bold),
	}
}

// Word implements spellingbee.Player
func (c *Console) Word(round int, word string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Fprintf(c.out, "\n--- Round %d ---\n", round+1)
	fmt.Fprint(c.out, "Spell: ")
	c.word.Fprintln(c.out, word)
	fmt.Fprint(c.out, "> ")
}

// Acknowledged implements spellingbee.Player
func (c *Console) Acknowledged(round int, correct bool, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if correct {
		c.correct.Fprintf(c.out, "Correct! %+d pts\n", delta)
		return
	}
	c.wrong.Fprintf(c.out, "Incorrect. %+d pts\n", delta)
}

// RoundStarted implements spellingbee.Sink; the word itself is shown by
// Word.
func (c *Console) RoundStarted(round int, word string) {}

// Scoreboard implements spellingbee.Sink
func (c *Console) Scoreboard(sb wire.Scoreboard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Fprintf(c.out, "\n--- Scoreboard after round %d ---\n", sb.NextRound)
	c.entries(sb.Entries)
}

// GameOver implements spellingbee.Sink
func (c *Console) GameOver(entries []wire.ScoreEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header.Fprintln(c.out, "\n--- Final Scoreboard ---")
	c.entries(entries)
}

func (c *Console) entries(entries []wire.ScoreEntry) {
	for _, e := range entries {
		line := fmt.Sprintf("%s: %d pts", e.PlayerID, e.Score)
		if !e.Active {
			line += " (disconnected)"
		}
		if e.PlayerID == c.self {
			c.me.Fprintln(c.out, line+" (you)")
			continue
		}
		fmt.Fprintln(c.out, line)
	}
}
