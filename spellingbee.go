// Package spellingbee runs a spelling tournament among peers on a broadcast
// network with no central server.
//
// The real entrypoint within this package is Node.Run(): every peer runs a
// Node, which discovers the other peers, elects the highest ACTIVE id as
// leader and then either drives the rounds (as leader) or relays its local
// player's answers to whoever leads.
package spellingbee

import (
	"context"
	"sync/atomic"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/vimeo/spellingbee/election"
	"github.com/vimeo/spellingbee/internal/telemetry"
	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/transport"
	"github.com/vimeo/spellingbee/wire"
)

// Transport is a broadcast medium: every message sent reaches every peer
// (best effort), including the sender.
type Transport interface {
	// Send enqueues m for broadcast without blocking. It returns false once
	// the transport is closed.
	Send(m wire.Message) bool
	// Inbound is the stream of decoded messages, closed with the
	// transport.
	Inbound() <-chan transport.Envelope
	Close() error
}

// Game is the tournament logic the leader drives. Implementations need not
// be safe for concurrent use; a Node only calls them from one goroutine.
type Game interface {
	// StartRound picks the word of the next round; ok is false when the
	// game is over.
	StartRound() (word string, ok bool)
	// ApplyAnswer scores the first answer of playerID in the current
	// round. Later answers score (false, 0).
	ApplyAnswer(playerID, answer string) (correct bool, delta int)
	Scoreboard() []wire.ScoreEntry
	IsOver() bool
	// Join adds a player, or returns a departed one to the game.
	Join(playerID string)
	// Leave excludes a player from future rounds; its score is retained.
	Leave(playerID string)
	// Standings captures everything a successor leader needs to resume.
	Standings() wire.Scoreboard
}

// Player is the local participant.
type Player interface {
	// Word is called once per distinct word of a round.
	Word(round int, word string)
	// Acknowledged is called when the leader has scored the local answer
	// for round. Repeat answers, which score nothing, are not reported.
	Acknowledged(round int, correct bool, delta int)
}

// Sink observes tournament progress. Each method is called on the node's
// loop goroutine and must not block.
type Sink interface {
	RoundStarted(round int, word string)
	Scoreboard(sb wire.Scoreboard)
	GameOver(entries []wire.ScoreEntry)
}

// Defaults for the zero values of the corresponding Config fields.
const (
	DefaultDiscoveryWindow = 10 * time.Second
	DefaultRoundTimeout    = 15 * time.Second
)

// Config configures a Node.
type Config struct {
	// ID is the local peer id; it must be unique among peers. Ids made
	// only of digits rank below all others.
	ID string

	// Transport carries messages to and from the other peers. The node
	// takes ownership and closes it when Run returns.
	Transport Transport

	// NewGame constructs the tournament when the local node is elected,
	// resuming from the last standings the node has seen (zero standings
	// before the first round).
	NewGame func(standings wire.Scoreboard) Game

	// Player receives words and acknowledgements for the local participant.
	Player Player
	// Sinks observe rounds, scoreboards and the end of the game.
	Sinks []Sink

	// OnElected is called when the local instance wins an election.
	// The context is cancelled when leadership is lost.
	OnElected func(ctx context.Context)
	// OnOusting is called when leadership is lost.
	OnOusting func(ctx context.Context)
	// LeaderChanged is called whenever the leader changes, with "" when
	// the leader is lost and an election is pending.
	// All three callbacks run on the loop goroutine and must not block.
	LeaderChanged func(ctx context.Context, leaderID string)

	// Policy sets the heartbeat interval and failure detector thresholds.
	// The zero value falls back to membership.DefaultPolicy.
	Policy membership.Policy
	// DiscoveryWindow is how long to collect peers before the first
	// election.
	DiscoveryWindow time.Duration
	// RoundTimeout closes a round that not every ACTIVE player answered.
	RoundTimeout time.Duration

	// Clock implementation to use when scheduling sleeps and stamping
	// heartbeats. The nil-value falls back to a sane default
	// implementation that simply wraps the `time` package's functions.
	Clock clocks.Clock

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Status is a point-in-time view of a Node.
type Status struct {
	ID            string
	State         election.State
	Leader        string
	ElectionRound int
	// Round is the latest round delivered to the local player, -1 before
	// the first.
	Round     int
	Members   membership.View
	Standings wire.Scoreboard
	Finished  bool
	// Final holds the final scoreboard once Finished.
	Final []wire.ScoreEntry
}

// StatusView is a value containing an atomically updatable Status
type StatusView struct {
	v atomic.Value
}

// Get provides the most recently published Status
func (s *StatusView) Get() Status {
	st, _ := s.v.Load().(Status)
	return st
}

// Set publishes st.
// Exported so clients can change the values in tests
func (s *StatusView) Set(st Status) {
	s.v.Store(st)
}
