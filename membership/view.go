package membership

// View is an immutable snapshot of a Table, ordered by peer id.
type View struct {
	self  string
	peers []Peer
}

// Self returns the id of the peer that took the snapshot.
func (v View) Self() string {
	return v.self
}

// Len returns the number of peers in the view.
func (v View) Len() int {
	return len(v.peers)
}

// Peers returns a copy of every peer.
func (v View) Peers() []Peer {
	out := make([]Peer, len(v.peers))
	copy(out, v.peers)
	return out
}

// Get returns the peer with the given id.
func (v View) Get(id string) (Peer, bool) {
	for _, p := range v.peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// WithStatus returns the ids of peers in status s, in id order.
func (v View) WithStatus(s Status) []string {
	var out []string
	for _, p := range v.peers {
		if p.Status == s {
			out = append(out, p.ID)
		}
	}
	return out
}

// Active returns the ids of the ACTIVE peers, in id order.
func (v View) Active() []string {
	return v.WithStatus(Active)
}

// Leader returns the id of the peer holding the LEADER role, if any.
func (v View) Leader() (string, bool) {
	for _, p := range v.peers {
		if p.Role == RoleLeader {
			return p.ID, true
		}
	}
	return "", false
}

// Counts returns the number of peers in each status, keyed by the status
// name.
func (v View) Counts() map[string]int {
	out := map[string]int{Active.String(): 0, Suspected.String(): 0, Inactive.String(): 0}
	for _, p := range v.peers {
		out[p.Status.String()]++
	}
	return out
}
