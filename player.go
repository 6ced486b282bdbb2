package spellingbee

import (
	retry "github.com/vimeo/go-retry"
	"go.uber.org/zap"

	"github.com/vimeo/spellingbee/election"
	"github.com/vimeo/spellingbee/wire"
)

type wordKey struct {
	round int
	word  string
}

type pendingAnswer struct {
	round   int
	answer  string
	leader  string
	backoff *retry.Backoff
	gen     uint64
}

// playerState tracks what the local player has been shown and the answer
// it is waiting to have acknowledged.
type playerState struct {
	// leader whose words were delivered last
	leader string
	round  int
	seen   map[wordKey]struct{}

	pending *pendingAnswer
	gen     uint64
}

func newPlayerState() playerState {
	return playerState{round: -1, seen: map[wordKey]struct{}{}}
}

func (n *Node) onWord(from string, w wire.Word) {
	if n.lead != nil || from != n.engine.Leader() {
		return
	}
	if !n.deliverWord(from, w.RoundIndex, w.Word) {
		return
	}
	for _, s := range n.cfg.Sinks {
		s.RoundStarted(w.RoundIndex, w.Word)
	}
}

// deliverWord hands each distinct (round, word) from a leader to the local
// player once. A new leader starts with a clean slate, since it may replay
// the round in progress with a different word.
func (n *Node) deliverWord(from string, round int, word string) bool {
	if from != n.play.leader {
		n.play.leader = from
		n.play.seen = map[wordKey]struct{}{}
	} else if round < n.play.round {
		return false
	}
	if round != n.play.round {
		n.play.seen = map[wordKey]struct{}{}
	}
	key := wordKey{round: round, word: word}
	if _, ok := n.play.seen[key]; ok {
		return false
	}
	n.play.seen[key] = struct{}{}
	n.play.round = round
	// anything still pending answered a word that has been replaced
	n.play.pending = nil
	n.cfg.Player.Word(round, word)
	return true
}

func (n *Node) submit(answer string) {
	if n.finished {
		n.logger.Debug("game over; dropping answer")
		return
	}
	round := n.play.round
	if round < 0 {
		n.logger.Debug("no word delivered yet; dropping answer")
		return
	}
	if n.lead != nil {
		// the leader's own player skips the network, not the dedup
		ack, ok := n.score(n.self, round, answer)
		if !ok {
			return
		}
		if ack.Duplicate {
			n.logger.Debug("local answer already scored", zap.Int("round", round))
			return
		}
		n.cfg.Player.Acknowledged(ack.RoundIndex, ack.Correct, ack.Delta)
		n.maybeCloseRound()
		return
	}

	leader := n.engine.Leader()
	if leader == "" || n.engine.State() != election.Follower {
		n.logger.Debug("no leader to answer to; dropping answer", zap.Int("round", round))
		return
	}
	if p := n.play.pending; p != nil && p.round == round {
		n.logger.Debug("answer already pending", zap.Int("round", round))
		return
	}
	n.play.gen++
	p := &pendingAnswer{
		round:   round,
		answer:  answer,
		leader:  leader,
		backoff: n.newBackoff(),
		gen:     n.play.gen,
	}
	n.play.pending = p
	n.sendAnswer(p)
}

func (n *Node) sendAnswer(p *pendingAnswer) {
	n.send(wire.Answer{RoundIndex: p.round, Answer: p.answer, LeaderID: p.leader})
	n.schedule(p.backoff.Next(), event{kind: evAnswerResend, round: p.round, gen: p.gen})
}

// resendAnswer repeats the pending answer until it is acknowledged, or
// dropped because the round or the leader changed.
func (n *Node) resendAnswer(ev event) {
	p := n.play.pending
	if p == nil || p.gen != ev.gen || p.leader != n.engine.Leader() {
		return
	}
	n.sendAnswer(p)
}

func (n *Node) onAnswerAck(from string, a wire.AnswerAck) {
	if a.PlayerID != "" && a.PlayerID != n.self {
		return
	}
	p := n.play.pending
	if p == nil || p.round != a.RoundIndex || p.leader != from {
		n.logger.Debug("ignoring unexpected acknowledgement",
			zap.String("from", from), zap.Int("round", a.RoundIndex), zap.Bool("duplicate", a.Duplicate))
		return
	}
	n.play.pending = nil
	if a.Duplicate {
		// scored earlier, or too late to score; either way nothing changed
		n.logger.Info("answer not scored again", zap.Int("round", a.RoundIndex))
		return
	}
	n.cfg.Player.Acknowledged(a.RoundIndex, a.Correct, a.Delta)
}
