// Package membership tracks the peers of a tournament and demotes them when
// they fall silent.
package membership

import (
	"net"
	"time"
)

// Status is a peer's liveness as judged by the failure detector.
type Status int

const (
	// Active peers have been heard from recently.
	Active Status = iota
	// Suspected peers missed heartbeats but are not yet given up on.
	Suspected
	// Inactive peers are considered crashed until heard from again.
	Inactive
)

func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Suspected:
		return "SUSPECTED"
	case Inactive:
		return "INACTIVE"
	default:
		return "UNKNOWN_STATUS"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role is the part a peer plays in the current term.
type Role int

const (
	// RoleUnknown is the role of a peer no leader has been assigned over.
	RoleUnknown Role = iota
	// RoleFollower peers accept words from the leader.
	RoleFollower
	// RoleLeader drives the rounds.
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "UNKNOWN"
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	default:
		return "INVALID_ROLE"
	}
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Peer is one participant as seen by the local table.
type Peer struct {
	ID string `json:"id"`
	// Addr is the source address of the last message from the peer; nil
	// for the local peer.
	Addr          net.Addr  `json:"-"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        Status    `json:"status"`
	Role          Role      `json:"role"`
}

// Policy holds the failure detector thresholds.
type Policy struct {
	HeartbeatInterval time.Duration
	// SuspectAfter is how long an ACTIVE peer may be silent before it is
	// SUSPECTED.
	SuspectAfter time.Duration
	// InactiveAfter is how long a peer may be silent before it is
	// INACTIVE. Must exceed SuspectAfter.
	InactiveAfter time.Duration
}

// DefaultHeartbeatInterval is the interval of DefaultPolicy.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultPolicy is PolicyFor(DefaultHeartbeatInterval).
var DefaultPolicy = PolicyFor(DefaultHeartbeatInterval)

// PolicyFor suspects a peer after two missed intervals and gives up on it
// after four.
func PolicyFor(interval time.Duration) Policy {
	return Policy{
		HeartbeatInterval: interval,
		SuspectAfter:      2 * interval,
		InactiveAfter:     4 * interval,
	}
}

// Valid reports whether the thresholds are positive and ordered.
func (p Policy) Valid() bool {
	return p.HeartbeatInterval > 0 && p.SuspectAfter > 0 && p.InactiveAfter > p.SuspectAfter
}
