// Package election implements the bully-style election state machine each
// node runs: after a discovery window, the highest ACTIVE id leads.
package election

import (
	"github.com/vimeo/spellingbee/membership"
)

// State is the local election state.
type State int

const (
	// Idle is the state before Discover.
	Idle State = iota
	// Discovery collects peers for a fixed window before the first
	// election.
	Discovery
	// Electing is entered when the leader is lost, until Elect runs.
	Electing
	// Leader means the local node drives the rounds.
	Leader
	// Follower means some other peer leads.
	Follower
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Discovery:
		return "DISCOVERY"
	case Electing:
		return "ELECTING"
	case Leader:
		return "LEADER"
	case Follower:
		return "FOLLOWER"
	default:
		return "INVALID"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result of one election round.
type Outcome struct {
	Leader string
	// Round is the local election round number, starting at 1.
	Round int
	// Changed is set when the leader differs from the previous one.
	Changed bool
}

// Reaction tells the caller what to do about a COORDINATOR claim.
type Reaction int

const (
	// Ignored claims change nothing.
	Ignored Reaction = iota
	// Confirmed claims come from the leader already followed.
	Confirmed
	// Followed claims outranked the previous leader (or the lack of
	// one); the claimant now leads.
	Followed
	// SteppedDown claims outranked the local node while it was leading.
	SteppedDown
	// Reannounce means the local node leads and the claimant is lower; the
	// caller should broadcast COORDINATOR again so the claimant reverts.
	Reannounce
)

func (r Reaction) String() string {
	switch r {
	case Ignored:
		return "ignored"
	case Confirmed:
		return "confirmed"
	case Followed:
		return "followed"
	case SteppedDown:
		return "stepped-down"
	case Reannounce:
		return "reannounce"
	default:
		return "invalid"
	}
}

// Engine is the election state machine of one node. Like the membership
// table it has a single writer and no locking.
type Engine struct {
	self   string
	state  State
	leader string
	round  int
}

// NewEngine returns an IDLE engine for the local id.
func NewEngine(self string) *Engine {
	return &Engine{self: self, state: Idle}
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Leader returns the current leader, or "" when there is none.
func (e *Engine) Leader() string { return e.leader }

// Round returns the number of elections run so far.
func (e *Engine) Round() int { return e.round }

// Leading reports whether the local node is the leader.
func (e *Engine) Leading() bool { return e.state == Leader }

// Discover moves an IDLE engine into DISCOVERY. It reports false
// (changing nothing) in any other state.
func (e *Engine) Discover() bool {
	if e.state != Idle {
		return false
	}
	e.state = Discovery
	return true
}

// Elect picks the highest ACTIVE id in v (the local id always competes)
// and moves to LEADER or FOLLOWER accordingly.
func (e *Engine) Elect(v membership.View) Outcome {
	ids := append(v.Active(), e.self)
	winner := Highest(ids)
	e.round++
	out := Outcome{Leader: winner, Round: e.round, Changed: winner != e.leader}
	e.leader = winner
	if winner == e.self {
		e.state = Leader
	} else {
		e.state = Follower
	}
	return out
}

// OnCoordinator applies a COORDINATOR claim. Higher claims always win,
// regardless of the order claims arrive in.
func (e *Engine) OnCoordinator(claimant string) Reaction {
	if claimant == "" || claimant == e.self {
		return Ignored
	}
	switch e.state {
	case Leader:
		if Compare(claimant, e.self) > 0 {
			e.follow(claimant)
			return SteppedDown
		}
		return Reannounce
	case Follower:
		if claimant == e.leader {
			return Confirmed
		}
		if Compare(claimant, e.leader) > 0 {
			e.follow(claimant)
			return Followed
		}
		return Ignored
	default:
		// A claim that outranks our own candidacy settles the election
		// early; anything lower is decided when we elect.
		if Compare(claimant, e.self) > 0 {
			e.follow(claimant)
			return Followed
		}
		return Ignored
	}
}

// LeaderLost drops the current leader and moves to ELECTING. It reports
// false when the engine was not following or leading.
func (e *Engine) LeaderLost() bool {
	if e.state != Leader && e.state != Follower {
		return false
	}
	e.leader = ""
	e.state = Electing
	return true
}

func (e *Engine) follow(id string) {
	e.leader = id
	e.state = Follower
}
