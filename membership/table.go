package membership

import (
	"net"
	"sort"
	"time"
)

// Change is the kind of a Transition.
type Change int

const (
	// Joined is the first message from an unknown peer.
	Joined Change = iota
	// Refreshed is a message from an ACTIVE peer.
	Refreshed
	// Recovered is a message from a SUSPECTED peer.
	Recovered
	// Rejoined is a message from an INACTIVE peer.
	Rejoined
	// BecameSuspected is an ACTIVE peer timing out.
	BecameSuspected
	// BecameInactive is a SUSPECTED peer timing out.
	BecameInactive
)

func (c Change) String() string {
	switch c {
	case Joined:
		return "joined"
	case Refreshed:
		return "refreshed"
	case Recovered:
		return "recovered"
	case Rejoined:
		return "rejoined"
	case BecameSuspected:
		return "suspected"
	case BecameInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Transition records one change to a peer's status.
type Transition struct {
	ID     string
	Change Change
	From   Status
	To     Status
}

// Table is the membership table of one node. It is not safe for concurrent
// use; the owning node's loop goroutine is its only writer, and everyone
// else reads a View.
type Table struct {
	self   string
	policy Policy
	peers  map[string]*Peer
}

// NewTable returns a table containing only the local peer, ACTIVE as of
// the zero time.
func NewTable(self string, policy Policy) *Table {
	t := &Table{self: self, policy: policy, peers: map[string]*Peer{}}
	t.peers[self] = &Peer{ID: self, Status: Active}
	return t
}

// Self returns the local peer's id.
func (t *Table) Self() string {
	return t.self
}

// Policy returns the table's failure detector policy.
func (t *Table) Policy() Policy {
	return t.policy
}

// OnHeartbeat records liveness evidence for id. Unknown peers are inserted;
// known peers are marked ACTIVE. A peer coming back from INACTIVE loses its
// role.
func (t *Table) OnHeartbeat(id string, addr net.Addr, now time.Time) Transition {
	p, ok := t.peers[id]
	if !ok {
		t.peers[id] = &Peer{ID: id, Addr: addr, LastHeartbeat: now, Status: Active}
		return Transition{ID: id, Change: Joined, From: Active, To: Active}
	}
	tr := Transition{ID: id, From: p.Status, To: Active}
	switch p.Status {
	case Active:
		tr.Change = Refreshed
	case Suspected:
		tr.Change = Recovered
	case Inactive:
		tr.Change = Rejoined
		p.Role = RoleUnknown
	}
	if addr != nil {
		p.Addr = addr
	}
	if now.After(p.LastHeartbeat) {
		p.LastHeartbeat = now
	}
	p.Status = Active
	return tr
}

// Sweep demotes peers that have been silent too long. A peer may move from
// ACTIVE straight through to INACTIVE in one sweep, reported as two
// transitions. The local peer is never swept.
func (t *Table) Sweep(now time.Time) []Transition {
	var out []Transition
	for _, id := range t.sortedIDs() {
		if id == t.self {
			continue
		}
		p := t.peers[id]
		silent := now.Sub(p.LastHeartbeat)
		if p.Status == Active && silent > t.policy.SuspectAfter {
			p.Status = Suspected
			out = append(out, Transition{ID: id, Change: BecameSuspected, From: Active, To: Suspected})
		}
		if p.Status == Suspected && silent > t.policy.InactiveAfter {
			p.Status = Inactive
			out = append(out, Transition{ID: id, Change: BecameInactive, From: Suspected, To: Inactive})
		}
	}
	return out
}

// Remove drops id from the table. The local peer cannot be removed.
func (t *Table) Remove(id string) bool {
	if id == t.self {
		return false
	}
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

// Reset drops every peer except the local one and clears its role.
func (t *Table) Reset() {
	self := t.peers[t.self]
	self.Role = RoleUnknown
	t.peers = map[string]*Peer{t.self: self}
}

// AssignLeader clears every role, then makes id the LEADER and every other
// peer a FOLLOWER. Unknown ids only clear roles.
func (t *Table) AssignLeader(id string) {
	t.ClearRoles()
	leader, ok := t.peers[id]
	if !ok {
		return
	}
	for _, p := range t.peers {
		p.Role = RoleFollower
	}
	leader.Role = RoleLeader
}

// ClearRoles resets every peer's role to UNKNOWN.
func (t *Table) ClearRoles() {
	for _, p := range t.peers {
		p.Role = RoleUnknown
	}
}

// Get returns a copy of the peer with the given id.
func (t *Table) Get(id string) (Peer, bool) {
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns an immutable copy of the table.
func (t *Table) Snapshot() View {
	peers := make([]Peer, 0, len(t.peers))
	for _, id := range t.sortedIDs() {
		peers = append(peers, *t.peers[id])
	}
	return View{self: t.self, peers: peers}
}

func (t *Table) sortedIDs() []string {
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
