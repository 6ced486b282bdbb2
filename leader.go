package spellingbee

import (
	"context"

	retry "github.com/vimeo/go-retry"
	"go.uber.org/zap"

	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/wire"
)

type answerKey struct {
	round  int
	player string
}

// leaderState exists only while the local node leads.
type leaderState struct {
	game  Game
	round int
	word  string
	open  bool
	// gen changes whenever a round opens or closes, retiring the timers
	// armed for the previous one. Values come from Node.nextRoundGen and
	// never repeat across leadership terms.
	gen         uint64
	wordBackoff *retry.Backoff
	// answered records whether each scored answer was correct, keyed by
	// round and player.
	answered map[answerKey]bool
}

func (n *Node) becomeLeader() {
	n.metrics.SetLeader(true)
	n.send(wire.Coordinator{LeaderID: n.self})
	electedCtx, electedCancel := context.WithCancel(n.ctx)
	n.electedCancel = electedCancel
	if n.cfg.OnElected != nil {
		n.cfg.OnElected(electedCtx)
	}
	if n.cfg.LeaderChanged != nil {
		n.cfg.LeaderChanged(n.ctx, n.self)
	}
	n.play.pending = nil
	if n.finished {
		return
	}

	n.startGame()
}

// startGame builds the tournament from the cached standings and starts its
// next unplayed round.
func (n *Node) startGame() {
	g := n.cfg.NewGame(n.standings.Clone())
	for _, p := range n.table.Snapshot().Peers() {
		if p.Status != membership.Inactive {
			g.Join(p.ID)
		}
	}
	n.lead = &leaderState{game: g, round: -1, answered: map[answerKey]bool{}}
	n.logger.Info("leading tournament", zap.Int("resume_round", n.standings.NextRound))
	n.startRound(n.standings.NextRound)
}

// adoptStandings restarts the tournament from standings further along than
// the local ones, such as those of a leader that just stepped down.
func (n *Node) adoptStandings(from string, sb wire.Scoreboard) {
	if n.finished {
		return
	}
	n.logger.Info("adopting newer standings", zap.String("from", from),
		zap.Int("next_round", sb.NextRound), zap.Int("previous_next_round", n.standings.NextRound))
	n.standings = sb.Clone()
	for _, s := range n.cfg.Sinks {
		s.Scoreboard(sb.Clone())
	}
	n.startGame()
}

func (n *Node) stepDown() {
	n.lead = nil
	n.metrics.SetLeader(false)
	if n.electedCancel != nil {
		n.electedCancel()
		n.electedCancel = nil
	}
	if n.cfg.OnOusting != nil {
		n.cfg.OnOusting(n.ctx)
	}
}

func (n *Node) startRound(idx int) {
	l := n.lead
	word, ok := l.game.StartRound()
	if !ok {
		n.finishGame()
		return
	}
	l.round = idx
	l.word = word
	l.open = true
	l.gen = n.nextRoundGen()
	l.wordBackoff = n.newBackoff()
	n.metrics.RoundStarted()
	n.logger.Info("round started", zap.Int("round", idx))

	n.send(wire.Word{RoundIndex: idx, Word: word})
	for _, s := range n.cfg.Sinks {
		s.RoundStarted(idx, word)
	}
	n.deliverWord(n.self, idx, word)

	n.schedule(n.roundTimeout, event{kind: evRoundTimeout, round: idx, gen: l.gen})
	n.schedule(l.wordBackoff.Next(), event{kind: evWordResend, round: idx, gen: l.gen})
}

// resendWord re-broadcasts the open round's word until the round closes.
func (n *Node) resendWord(ev event) {
	l := n.lead
	if l == nil || !l.open || l.round != ev.round || l.gen != ev.gen {
		return
	}
	n.send(wire.Word{RoundIndex: l.round, Word: l.word})
	n.schedule(l.wordBackoff.Next(), ev)
}

// maybeCloseRound closes the open round once every ACTIVE peer answered.
func (n *Node) maybeCloseRound() {
	l := n.lead
	if l == nil || !l.open {
		return
	}
	for _, id := range n.table.Snapshot().Active() {
		if _, ok := l.answered[answerKey{round: l.round, player: id}]; !ok {
			return
		}
	}
	n.logger.Info("every active player answered", zap.Int("round", l.round))
	n.closeRound()
}

func (n *Node) closeRound() {
	l := n.lead
	l.open = false
	l.gen = n.nextRoundGen()
	sb := l.game.Standings()
	sb.NextRound = l.round + 1
	n.standings = sb.Clone()
	n.send(sb)
	for _, s := range n.cfg.Sinks {
		s.Scoreboard(sb.Clone())
	}
	n.logger.Info("round closed", zap.Int("round", l.round), zap.Int("next_round", sb.NextRound))
	if l.game.IsOver() {
		n.finishGame()
		return
	}
	n.startRound(sb.NextRound)
}

func (n *Node) finishGame() {
	l := n.lead
	l.open = false
	l.gen = n.nextRoundGen()
	entries := l.game.Scoreboard()
	n.standings.Entries = append([]wire.ScoreEntry(nil), entries...)
	n.send(wire.GameOver{Entries: entries})
	n.gameOver(entries)
}

func (n *Node) onAnswer(from string, a wire.Answer) {
	if n.lead == nil {
		return
	}
	if a.LeaderID != "" && a.LeaderID != n.self {
		return
	}
	ack, ok := n.score(from, a.RoundIndex, a.Answer)
	if !ok {
		return
	}
	n.send(ack)
	n.maybeCloseRound()
}

// score applies an answer exactly once per round and player. Repeats and
// answers for closed rounds are acknowledged with no score change; answers
// for rounds not yet started are dropped.
func (n *Node) score(player string, round int, answer string) (wire.AnswerAck, bool) {
	l := n.lead
	key := answerKey{round: round, player: player}
	if correct, dup := l.answered[key]; dup {
		n.metrics.Answer("duplicate")
		return wire.AnswerAck{RoundIndex: round, PlayerID: player, Correct: correct, Duplicate: true}, true
	}
	if round > l.round {
		n.logger.Debug("ignoring answer for a future round",
			zap.String("player", player), zap.Int("round", round), zap.Int("current_round", l.round))
		return wire.AnswerAck{}, false
	}
	if round < l.round || !l.open {
		n.metrics.Answer("late")
		return wire.AnswerAck{RoundIndex: round, PlayerID: player, Duplicate: true}, true
	}

	correct, delta := l.game.ApplyAnswer(player, answer)
	l.answered[key] = correct
	if correct {
		n.metrics.Answer("correct")
	} else {
		n.metrics.Answer("incorrect")
	}
	n.logger.Info("answer scored", zap.String("player", player), zap.Int("round", round),
		zap.Bool("correct", correct), zap.Int("delta", delta))
	return wire.AnswerAck{RoundIndex: round, PlayerID: player, Correct: correct, Delta: delta}, true
}
