// Package game holds the default tournament rules: ten words, ten points for
// a correct spelling and five off for a miss.
package game

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/vimeo/spellingbee/wire"
)

// Scoring and length defaults.
const (
	CorrectPoints     = 10
	IncorrectPoints   = -5
	DefaultRounds     = 10
	DefaultMinPlayers = 2
)

type player struct {
	score    int
	active   bool
	answered bool
}

// Tournament implements the spelling tournament a leader runs. It is not
// safe for concurrent use.
type Tournament struct {
	order      []string
	used       map[string]struct{}
	usedOrder  []string
	players    map[string]*player
	current    string
	played     int
	rounds     int
	minPlayers int
	over       bool
}

// Option configures a Tournament.
type Option func(*options)

type options struct {
	rounds     int
	minPlayers int
	seed       uint64
}

// WithRounds sets the number of words played before the game is over.
func WithRounds(n int) Option {
	return func(o *options) { o.rounds = n }
}

// WithMinPlayers sets how many active players a round needs to start.
func WithMinPlayers(n int) Option {
	return func(o *options) { o.minPlayers = n }
}

// WithSeed fixes the word shuffle.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// New constructs a tournament over words, shuffled. Duplicate and empty
// words are dropped.
func New(words []string, opts ...Option) *Tournament {
	o := options{
		rounds:     DefaultRounds,
		minPlayers: DefaultMinPlayers,
		seed:       uint64(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(&o)
	}

	seen := make(map[string]struct{}, len(words))
	order := make([]string, 0, len(words))
	for _, w := range words {
		w = normalize(w)
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		order = append(order, w)
	}
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	return &Tournament{
		order:      order,
		used:       map[string]struct{}{},
		players:    map[string]*player{},
		rounds:     o.rounds,
		minPlayers: o.minPlayers,
	}
}

// Restore resumes from standings a previous leader published: scores, the
// number of rounds already played and the words already used. Restored
// players start out inactive until joined.
func (t *Tournament) Restore(sb wire.Scoreboard) {
	for _, e := range sb.Entries {
		t.players[e.PlayerID] = &player{score: e.Score}
	}
	for _, w := range sb.UsedWords {
		t.markUsed(normalize(w))
	}
	if sb.NextRound > t.played {
		t.played = sb.NextRound
	}
}

// Join adds playerID, or reactivates it with its score intact.
func (t *Tournament) Join(playerID string) {
	if p, ok := t.players[playerID]; ok {
		p.active = true
		return
	}
	t.players[playerID] = &player{active: true}
}

// Leave excludes playerID from future rounds; its score is kept.
func (t *Tournament) Leave(playerID string) {
	if p, ok := t.players[playerID]; ok {
		p.active = false
	}
}

// StartRound picks the next unused word. It returns false, and the game is
// over, once the round limit is reached, the words run out or too few
// players remain active.
func (t *Tournament) StartRound() (string, bool) {
	if t.over {
		return "", false
	}
	if t.played >= t.rounds || t.activeCount() < t.minPlayers {
		t.finish()
		return "", false
	}
	word := ""
	for _, w := range t.order {
		if _, ok := t.used[w]; !ok {
			word = w
			break
		}
	}
	if word == "" {
		t.finish()
		return "", false
	}
	t.markUsed(word)
	t.current = word
	t.played++
	for _, p := range t.players {
		p.answered = false
	}
	return word, true
}

// ApplyAnswer scores the first answer of a known player in the current
// round. Repeat answers, unknown players and answers outside a round score
// (false, 0).
func (t *Tournament) ApplyAnswer(playerID, answer string) (bool, int) {
	p, ok := t.players[playerID]
	if !ok || t.current == "" || t.over || p.answered {
		return false, 0
	}
	p.answered = true
	if normalize(answer) == t.current {
		p.score += CorrectPoints
		return true, CorrectPoints
	}
	p.score += IncorrectPoints
	return false, IncorrectPoints
}

// Scoreboard returns every player, highest score first, ties by id.
func (t *Tournament) Scoreboard() []wire.ScoreEntry {
	out := make([]wire.ScoreEntry, 0, len(t.players))
	for id, p := range t.players {
		out = append(out, wire.ScoreEntry{PlayerID: id, Score: p.score, Active: p.active})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out
}

// Standings returns the scoreboard along with the number of rounds started
// and the words used so far.
func (t *Tournament) Standings() wire.Scoreboard {
	return wire.Scoreboard{
		NextRound: t.played,
		Entries:   t.Scoreboard(),
		UsedWords: append([]string(nil), t.usedOrder...),
	}
}

// IsOver reports whether the game has finished.
func (t *Tournament) IsOver() bool {
	return t.over
}

func (t *Tournament) finish() {
	t.over = true
	t.current = ""
}

func (t *Tournament) markUsed(w string) {
	if w == "" {
		return
	}
	if _, ok := t.used[w]; ok {
		return
	}
	t.used[w] = struct{}{}
	t.usedOrder = append(t.usedOrder, w)
}

func (t *Tournament) activeCount() int {
	n := 0
	for _, p := range t.players {
		if p.active {
			n++
		}
	}
	return n
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
