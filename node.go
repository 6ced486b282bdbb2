package spellingbee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"
	"go.uber.org/zap"

	"github.com/vimeo/spellingbee/election"
	"github.com/vimeo/spellingbee/internal/queue"
	"github.com/vimeo/spellingbee/internal/telemetry"
	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/transport"
	"github.com/vimeo/spellingbee/wire"
)

var (
	alreadyRunningErr  = errors.New("node is already running")
	transportClosedErr = errors.New("transport closed unexpectedly")
)

type eventKind int

const (
	evHeartbeat eventKind = iota
	evSweep
	evDiscoveryDone
	evRoundTimeout
	evWordResend
	evAnswerResend
	evSubmit
	evResetMembers
)

// event is anything other than a datagram that the loop reacts to. Timer
// events carry the round and generation they were armed for so stale ones
// can be told apart.
type event struct {
	kind   eventKind
	round  int
	gen    uint64
	answer string
}

// Node is one peer of the tournament. All of its state is owned by the
// goroutine running Run; other goroutines interact with it through
// SubmitAnswer, ResetMembers, Status and Done.
type Node struct {
	cfg     Config
	self    string
	clock   clocks.Clock
	logger  *zap.Logger
	metrics *telemetry.Metrics
	tr      Transport

	policy          membership.Policy
	discoveryWindow time.Duration
	roundTimeout    time.Duration

	events *queue.Unbounded[event]
	status StatusView
	done   chan struct{}

	running atomic.Bool
	// ctx is the loop context; only valid while Run is executing.
	ctx context.Context
	wg  sync.WaitGroup
	// schedule posts ev after d. Replaceable so tests can fire timers by
	// hand.
	schedule func(d time.Duration, ev event)

	table  *membership.Table
	engine *election.Engine

	standings wire.Scoreboard
	finished  bool
	final     []wire.ScoreEntry

	// claimants are the peers that ever claimed leadership
	claimants map[string]struct{}

	electedCancel context.CancelFunc
	lead          *leaderState
	play          playerState
	roundGen      uint64
}

// NewNode validates cfg and constructs a Node; nothing happens on the
// network until Run.
func NewNode(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("missing ID")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing Transport")
	}
	if cfg.NewGame == nil {
		return nil, fmt.Errorf("missing NewGame")
	}
	if cfg.Player == nil {
		return nil, fmt.Errorf("missing Player")
	}
	if cfg.DiscoveryWindow < 0 {
		return nil, fmt.Errorf("DiscoveryWindow (%s) is < 0; should be non-negative", cfg.DiscoveryWindow)
	}
	if cfg.RoundTimeout < 0 {
		return nil, fmt.Errorf("RoundTimeout (%s) is < 0; should be non-negative", cfg.RoundTimeout)
	}
	policy := cfg.Policy
	if policy == (membership.Policy{}) {
		policy = membership.DefaultPolicy
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("invalid failure detector policy %+v; intervals must be positive and InactiveAfter must exceed SuspectAfter", policy)
	}

	n := &Node{
		cfg:             cfg,
		self:            cfg.ID,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tr:              cfg.Transport,
		policy:          policy,
		discoveryWindow: cfg.DiscoveryWindow,
		roundTimeout:    cfg.RoundTimeout,
		events:          queue.New[event](),
		done:            make(chan struct{}),
		table:           membership.NewTable(cfg.ID, policy),
		engine:          election.NewEngine(cfg.ID),
		play:            newPlayerState(),
		claimants:       map[string]struct{}{},
	}
	if n.clock == nil {
		n.clock = clocks.DefaultClock()
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	n.logger = n.logger.With(zap.String("self", n.self))
	if n.discoveryWindow == 0 {
		n.discoveryWindow = DefaultDiscoveryWindow
	}
	if n.roundTimeout == 0 {
		n.roundTimeout = DefaultRoundTimeout
	}
	n.schedule = n.after
	n.publish()
	return n, nil
}

// Status returns the most recently published status. Safe to call from
// any goroutine.
func (n *Node) Status() Status {
	return n.status.Get()
}

// Done is closed once the game is over.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// SubmitAnswer sends the local player's answer for the latest round
// delivered to it.
func (n *Node) SubmitAnswer(answer string) {
	n.events.Push(event{kind: evSubmit, answer: answer})
}

// ResetMembers forgets every peer except the local one. Peers that are
// still alive reappear with their next heartbeat.
func (n *Node) ResetMembers() {
	n.events.Push(event{kind: evResetMembers})
}

// Run blocks until the context expires or is cancelled, then broadcasts
// SHUTDOWN, closes the transport and returns the context's error.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return alreadyRunningErr
	}
	loopCtx, cancel := context.WithCancel(ctx)
	n.ctx = loopCtx
	defer n.events.Stop()
	defer n.tr.Close()
	defer n.wg.Wait()
	defer cancel()

	n.begin()
	n.every(n.policy.HeartbeatInterval, evHeartbeat)
	n.every(n.policy.HeartbeatInterval, evSweep)

	inbound := n.tr.Inbound()
	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return ctx.Err()
		case env, ok := <-inbound:
			if !ok {
				n.logger.Error("transport closed while running")
				return transportClosedErr
			}
			n.handleEnvelope(env)
		case ev := <-n.events.Out():
			n.handleEvent(ev)
		}
	}
}

// begin enters discovery and announces the local peer.
func (n *Node) begin() {
	if n.ctx == nil {
		n.ctx = context.Background()
	}
	n.engine.Discover()
	n.table.OnHeartbeat(n.self, nil, n.clock.Now())
	n.send(wire.Heartbeat{})
	n.schedule(n.discoveryWindow, event{kind: evDiscoveryDone})
	n.logger.Info("discovering peers", zap.Duration("window", n.discoveryWindow))
	n.publish()
}

func (n *Node) shutdown() {
	if n.engine.Leading() {
		n.stepDown()
	}
	n.send(wire.Shutdown{})
	n.logger.Info("shutting down")
}

// after posts ev once d has elapsed, unless the loop exits first.
func (n *Node) after(d time.Duration, ev event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if n.clock.SleepFor(n.ctx, d) {
			n.events.Push(ev)
		}
	}()
}

// every posts an event of kind k each interval until the loop exits.
func (n *Node) every(interval time.Duration, k eventKind) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for n.clock.SleepFor(n.ctx, interval) {
			n.events.Push(event{kind: k})
		}
	}()
}

func (n *Node) send(p wire.Payload) {
	m := wire.Message{SenderID: n.self, SentAt: n.clock.Now(), Payload: p}
	if !n.tr.Send(m) {
		n.logger.Debug("transport closed; dropping message", zap.String("kind", string(p.Kind())))
		return
	}
	n.logger.Debug("sent", zap.String("kind", string(p.Kind())))
}

func (n *Node) nextRoundGen() uint64 {
	n.roundGen++
	return n.roundGen
}

func (n *Node) newBackoff() *retry.Backoff {
	b := retry.DefaultBackoff()
	b.MinBackoff = n.policy.HeartbeatInterval / 10
	b.MaxBackoff = n.policy.HeartbeatInterval
	return &b
}

func (n *Node) handleEvent(ev event) {
	switch ev.kind {
	case evHeartbeat:
		n.onHeartbeatTick()
	case evSweep:
		n.onSweepTick()
	case evDiscoveryDone:
		if n.engine.State() == election.Discovery {
			n.logger.Info("discovery window closed", zap.Strings("active", n.table.Snapshot().Active()))
			n.elect()
		}
	case evRoundTimeout:
		if l := n.lead; l != nil && l.open && l.round == ev.round && l.gen == ev.gen {
			n.logger.Info("round timed out", zap.Int("round", l.round))
			n.closeRound()
		}
	case evWordResend:
		n.resendWord(ev)
	case evAnswerResend:
		n.resendAnswer(ev)
	case evSubmit:
		n.submit(ev.answer)
	case evResetMembers:
		n.resetMembers()
	}
	n.publish()
}

func (n *Node) onHeartbeatTick() {
	n.table.OnHeartbeat(n.self, nil, n.clock.Now())
	n.send(wire.Heartbeat{})
	if !n.engine.Leading() {
		return
	}
	n.send(wire.Coordinator{LeaderID: n.self})
	if n.finished {
		// GAME_OVER is only broadcast once otherwise; keep repeating it
		// so late or lossy peers finish too.
		n.send(wire.GameOver{Entries: n.final})
	}
}

func (n *Node) onSweepTick() {
	for _, tr := range n.table.Sweep(n.clock.Now()) {
		n.onTransition(tr)
	}
}

func (n *Node) handleEnvelope(env transport.Envelope) {
	m := env.Message
	if m.SenderID == n.self {
		// our own broadcast looping back
		return
	}
	n.logger.Debug("received", zap.String("kind", string(m.Kind())), zap.String("from", m.SenderID))

	if _, ok := m.Payload.(wire.Shutdown); ok {
		n.onShutdown(m.SenderID)
		n.publish()
		return
	}
	n.onTransition(n.table.OnHeartbeat(m.SenderID, env.From, n.clock.Now()))

	switch p := m.Payload.(type) {
	case wire.Heartbeat:
	case wire.Election:
		n.onElection(m.SenderID, p)
	case wire.Coordinator:
		n.onCoordinator(p.LeaderID)
	case wire.Word:
		n.onWord(m.SenderID, p)
	case wire.Answer:
		n.onAnswer(m.SenderID, p)
	case wire.AnswerAck:
		n.onAnswerAck(m.SenderID, p)
	case wire.Scoreboard:
		n.onScoreboard(m.SenderID, p)
	case wire.GameOver:
		n.onGameOver(m.SenderID, p)
	}
	n.publish()
}

func (n *Node) onTransition(tr membership.Transition) {
	switch tr.Change {
	case membership.Refreshed:
		return
	case membership.Joined, membership.Rejoined:
		n.logger.Info("peer joined", zap.String("peer", tr.ID), zap.Stringer("change", tr.Change))
		if n.lead != nil {
			n.lead.game.Join(tr.ID)
			// tell the newcomer who leads right away
			n.send(wire.Coordinator{LeaderID: n.self})
		}
	case membership.Recovered:
		n.logger.Info("suspected peer recovered", zap.String("peer", tr.ID))
	case membership.BecameSuspected:
		n.logger.Info("peer suspected", zap.String("peer", tr.ID))
	case membership.BecameInactive:
		n.logger.Info("peer inactive", zap.String("peer", tr.ID))
		n.peerGone(tr.ID)
	}
}

func (n *Node) onShutdown(id string) {
	if !n.table.Remove(id) {
		return
	}
	n.logger.Info("peer shut down", zap.String("peer", id))
	n.peerGone(id)
}

// peerGone handles a peer that went INACTIVE or left.
func (n *Node) peerGone(id string) {
	if n.lead != nil {
		n.lead.game.Leave(id)
		n.maybeCloseRound()
		return
	}
	if id == n.engine.Leader() {
		n.leaderLost()
	}
}

func (n *Node) resetMembers() {
	n.logger.Info("resetting membership")
	before := n.table.Snapshot()
	leader, known := n.table.Get(n.engine.Leader())
	n.table.Reset()
	if known && leader.ID != n.self {
		// keep the leader covered by the failure detector
		n.table.OnHeartbeat(leader.ID, leader.Addr, leader.LastHeartbeat)
	}
	if known {
		n.table.AssignLeader(leader.ID)
	}
	if n.lead == nil {
		return
	}
	// live players rejoin with their next message
	for _, p := range before.Peers() {
		if p.ID != n.self {
			n.lead.game.Leave(p.ID)
		}
	}
	n.maybeCloseRound()
}

func (n *Node) elect() {
	out := n.engine.Elect(n.table.Snapshot())
	n.metrics.ElectionRun()
	n.logger.Info("elected leader", zap.String("leader", out.Leader), zap.Int("election_round", out.Round))
	n.table.AssignLeader(out.Leader)
	n.send(wire.Election{CandidateID: out.Leader})
	if n.engine.Leading() {
		n.becomeLeader()
		return
	}
	n.leaderAdopted(out.Leader)
}

func (n *Node) leaderLost() {
	lost := n.engine.Leader()
	if !n.engine.LeaderLost() {
		return
	}
	n.logger.Info("leader lost; re-electing", zap.String("previous_leader", lost))
	n.table.ClearRoles()
	n.play.pending = nil
	if n.cfg.LeaderChanged != nil {
		n.cfg.LeaderChanged(n.ctx, "")
	}
	n.elect()
}

func (n *Node) leaderAdopted(id string) {
	n.table.AssignLeader(id)
	n.play.pending = nil
	if n.cfg.LeaderChanged != nil {
		n.cfg.LeaderChanged(n.ctx, id)
	}
	if n.standings.NextRound > 0 && !n.finished {
		// a leader that is behind adopts these
		n.send(n.standings.Clone())
	}
}

func (n *Node) onElection(from string, e wire.Election) {
	n.logger.Debug("peer ran an election", zap.String("peer", from), zap.String("candidate", e.CandidateID))
	if n.engine.Leading() {
		n.send(wire.Coordinator{LeaderID: n.self})
	}
}

func (n *Node) onCoordinator(claimant string) {
	if claimant != "" && claimant != n.self {
		n.claimants[claimant] = struct{}{}
	}
	switch r := n.engine.OnCoordinator(claimant); r {
	case election.Confirmed:
		// a rejoin may have reset the leader's role
		n.table.AssignLeader(claimant)
	case election.Reannounce:
		n.logger.Info("lower leadership claim; re-announcing", zap.String("claimant", claimant))
		n.send(wire.Coordinator{LeaderID: n.self})
	case election.SteppedDown:
		n.logger.Info("higher leadership claim; stepping down", zap.String("claimant", claimant))
		n.stepDown()
		n.leaderAdopted(claimant)
	case election.Followed:
		n.logger.Info("following leader", zap.String("leader", claimant))
		n.leaderAdopted(claimant)
	}
}

func (n *Node) onScoreboard(from string, sb wire.Scoreboard) {
	switch n.engine.State() {
	case election.Leader:
		if sb.NextRound > n.standings.NextRound {
			n.adoptStandings(from, sb)
		}
		return
	case election.Follower:
		if from != n.engine.Leader() {
			return
		}
	default:
		// not following anyone yet; a claimant may have been running the
		// tournament before we arrived
		if _, ok := n.claimants[from]; !ok {
			return
		}
	}
	if sb.NextRound < n.standings.NextRound {
		return
	}
	n.standings = sb.Clone()
	for _, s := range n.cfg.Sinks {
		s.Scoreboard(sb.Clone())
	}
}

func (n *Node) onGameOver(from string, g wire.GameOver) {
	if n.lead != nil {
		return
	}
	n.gameOver(g.Entries)
}

// gameOver records the end of the game once.
func (n *Node) gameOver(entries []wire.ScoreEntry) {
	if n.finished {
		return
	}
	n.finished = true
	n.final = append([]wire.ScoreEntry(nil), entries...)
	n.play.pending = nil
	n.logger.Info("game over", zap.Int("players", len(entries)))
	for _, s := range n.cfg.Sinks {
		s.GameOver(append([]wire.ScoreEntry(nil), entries...))
	}
	close(n.done)
}

func (n *Node) publish() {
	view := n.table.Snapshot()
	n.metrics.SetPeers(view.Counts())
	n.status.Set(Status{
		ID:            n.self,
		State:         n.engine.State(),
		Leader:        n.engine.Leader(),
		ElectionRound: n.engine.Round(),
		Round:         n.play.round,
		Members:       view,
		Standings:     n.standings.Clone(),
		Finished:      n.finished,
		Final:         append([]wire.ScoreEntry(nil), n.final...),
	})
}
