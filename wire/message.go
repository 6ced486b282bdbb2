// Package wire defines the messages peers exchange over the broadcast medium
// and their self-describing JSON encoding.
//
// Every datagram carries exactly one Message. Kinds are encoded by name, never
// by number, so peers built from different versions agree on the format as
// long as the names are stable.
package wire

import "time"

// Kind names the variant carried by a Message.
type Kind string

// Message kinds
const (
	KindHeartbeat   Kind = "HEARTBEAT"
	KindElection    Kind = "ELECTION"
	KindCoordinator Kind = "COORDINATOR"
	KindShutdown    Kind = "SHUTDOWN"
	KindWord        Kind = "WORD"
	KindAnswer      Kind = "ANSWER"
	KindAnswerAck   Kind = "ANSWER_ACK"
	KindScoreboard  Kind = "SCOREBOARD"
	KindGameOver    Kind = "GAME_OVER"
)

var knownKinds = map[Kind]struct{}{
	KindHeartbeat:   {},
	KindElection:    {},
	KindCoordinator: {},
	KindShutdown:    {},
	KindWord:        {},
	KindAnswer:      {},
	KindAnswerAck:   {},
	KindScoreboard:  {},
	KindGameOver:    {},
}

// ParseKind returns the Kind with name s, and false if s names no known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := knownKinds[k]
	return k, ok
}

// Message is a single immutable protocol message.
type Message struct {
	SenderID string
	SentAt   time.Time
	Payload  Payload
}

// Kind returns the kind of the contained payload (empty if there is none).
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// Payload is implemented by the kind-specific payload structs in this
// package, and only by them.
type Payload interface {
	Kind() Kind
	payload()
}

// Heartbeat announces that the sender is alive.
type Heartbeat struct{}

// Election announces that the sender ran an election and which candidate it
// computed as the winner.
type Election struct {
	CandidateID string `json:"candidateId"`
}

// Coordinator is broadcast by a leader to claim (and keep claiming) the role.
type Coordinator struct {
	LeaderID string `json:"leaderId"`
}

// Shutdown announces that the sender is leaving.
type Shutdown struct{}

// Word carries the word for a tournament round.
type Word struct {
	RoundIndex int    `json:"roundIndex"`
	Word       string `json:"word"`
}

// Answer is a player's spelling for a round, addressed to a leader.
type Answer struct {
	RoundIndex int    `json:"roundIndex"`
	Answer     string `json:"answer"`
	LeaderID   string `json:"leaderId,omitempty"`
}

// AnswerAck is the leader's verdict on an Answer. Duplicate is set when the
// answer had already been scored (Delta is then always zero).
type AnswerAck struct {
	RoundIndex int    `json:"roundIndex"`
	PlayerID   string `json:"playerId,omitempty"`
	Correct    bool   `json:"correct"`
	Delta      int    `json:"delta"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// ScoreEntry is one line of a scoreboard.
type ScoreEntry struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
	Active   bool   `json:"active"`
}

// Scoreboard is broadcast by the leader after every round. It doubles as the
// standings a newly elected leader resumes from: NextRound is the first round
// that has not been scored yet.
type Scoreboard struct {
	NextRound int          `json:"nextRound"`
	Entries   []ScoreEntry `json:"entries"`
	UsedWords []string     `json:"usedWords,omitempty"`
}

// Clone returns a deep copy of the scoreboard.
func (s Scoreboard) Clone() Scoreboard {
	out := Scoreboard{NextRound: s.NextRound}
	if s.Entries != nil {
		out.Entries = append([]ScoreEntry(nil), s.Entries...)
	}
	if s.UsedWords != nil {
		out.UsedWords = append([]string(nil), s.UsedWords...)
	}
	return out
}

// GameOver carries the final scoreboard.
type GameOver struct {
	Entries []ScoreEntry `json:"entries"`
}

// Kind implements Payload
func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Kind implements Payload
func (Election) Kind() Kind { return KindElection }

// Kind implements Payload
func (Coordinator) Kind() Kind { return KindCoordinator }

// Kind implements Payload
func (Shutdown) Kind() Kind { return KindShutdown }

// Kind implements Payload
func (Word) Kind() Kind { return KindWord }

// Kind implements Payload
func (Answer) Kind() Kind { return KindAnswer }

// Kind implements Payload
func (AnswerAck) Kind() Kind { return KindAnswerAck }

// Kind implements Payload
func (Scoreboard) Kind() Kind { return KindScoreboard }

// Kind implements Payload
func (GameOver) Kind() Kind { return KindGameOver }

func (Heartbeat) payload()   {}
func (Election) payload()    {}
func (Coordinator) payload() {}
func (Shutdown) payload()    {}
func (Word) payload()        {}
func (Answer) payload()      {}
func (AnswerAck) payload()   {}
func (Scoreboard) payload()  {}
func (GameOver) payload()    {}
