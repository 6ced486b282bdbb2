package spellingbee

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/go-clocks/fake"
	"go.uber.org/zap/zaptest"

	"github.com/vimeo/spellingbee/election"
	"github.com/vimeo/spellingbee/game"
	"github.com/vimeo/spellingbee/membership"
	"github.com/vimeo/spellingbee/memory"
	"github.com/vimeo/spellingbee/transport"
	"github.com/vimeo/spellingbee/wire"
)

var _ Game = (*game.Tournament)(nil)

type recordingTransport struct {
	mu        sync.Mutex
	sent      []wire.Message
	in        chan transport.Envelope
	closeOnce sync.Once
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{in: make(chan transport.Envelope)}
}

func (r *recordingTransport) Send(m wire.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return true
}

func (r *recordingTransport) Inbound() <-chan transport.Envelope { return r.in }

func (r *recordingTransport) Close() error {
	r.closeOnce.Do(func() { close(r.in) })
	return nil
}

// sentOf returns the payloads of kind k sent so far.
func (r *recordingTransport) sentOf(k wire.Kind) []wire.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Payload
	for _, m := range r.sent {
		if m.Kind() == k {
			out = append(out, m.Payload)
		}
	}
	return out
}

type wordCall struct {
	round int
	word  string
}

type ackCall struct {
	round   int
	correct bool
	delta   int
}

type recordingPlayer struct {
	mu    sync.Mutex
	words []wordCall
	acks  []ackCall
}

func (p *recordingPlayer) Word(round int, word string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.words = append(p.words, wordCall{round: round, word: word})
}

func (p *recordingPlayer) Acknowledged(round int, correct bool, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, ackCall{round: round, correct: correct, delta: delta})
}

type testNode struct {
	*Node
	tr     *recordingTransport
	player *recordingPlayer
	fc     *fake.Clock
	timers []event
	// leaders collects every LeaderChanged argument
	leaders []string
	ousted  int
}

var testBase = time.Unix(1700000000, 0)

func newTestNode(t *testing.T, id string, words []string, opts ...func(*Config)) *testNode {
	t.Helper()
	tn := &testNode{
		tr:     newRecordingTransport(),
		player: &recordingPlayer{},
		fc:     fake.NewClock(testBase),
	}
	cfg := Config{
		ID:        id,
		Transport: tn.tr,
		NewGame: func(standings wire.Scoreboard) Game {
			g := game.New(words, game.WithSeed(7))
			g.Restore(standings)
			return g
		},
		Player:        tn.player,
		LeaderChanged: func(ctx context.Context, leaderID string) { tn.leaders = append(tn.leaders, leaderID) },
		OnOusting:     func(ctx context.Context) { tn.ousted++ },
		Policy:        membership.DefaultPolicy,
		Clock:         tn.fc,
		Logger:        zaptest.NewLogger(t),
	}
	for _, o := range opts {
		o(&cfg)
	}
	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}
	n.schedule = func(d time.Duration, ev event) { tn.timers = append(tn.timers, ev) }
	tn.Node = n
	n.begin()
	return tn
}

func (tn *testNode) deliver(from string, p wire.Payload) {
	tn.handleEnvelope(transport.Envelope{
		From:    memory.Addr(from),
		Message: wire.Message{SenderID: from, SentAt: tn.fc.Now(), Payload: p},
	})
}

// lastTimer returns the most recently armed timer of kind k.
func (tn *testNode) lastTimer(t *testing.T, k eventKind) event {
	t.Helper()
	for i := len(tn.timers) - 1; i >= 0; i-- {
		if tn.timers[i].kind == k {
			return tn.timers[i]
		}
	}
	t.Fatalf("no timer of kind %d armed", k)
	return event{}
}

func (tn *testNode) endDiscovery() {
	tn.handleEvent(event{kind: evDiscoveryDone})
}

func TestNewNodeValidation(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{
			ID:        "A",
			Transport: newRecordingTransport(),
			NewGame:   func(wire.Scoreboard) Game { return game.New(game.DefaultWords) },
			Player:    &recordingPlayer{},
		}
	}
	for _, itbl := range []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing_id", mutate: func(c *Config) { c.ID = "" }},
		{name: "missing_transport", mutate: func(c *Config) { c.Transport = nil }},
		{name: "missing_game", mutate: func(c *Config) { c.NewGame = nil }},
		{name: "missing_player", mutate: func(c *Config) { c.Player = nil }},
		{name: "negative_discovery", mutate: func(c *Config) { c.DiscoveryWindow = -time.Second }},
		{name: "negative_timeout", mutate: func(c *Config) { c.RoundTimeout = -time.Second }},
		{name: "inverted_policy", mutate: func(c *Config) {
			c.Policy = membership.Policy{HeartbeatInterval: time.Second, SuspectAfter: 3 * time.Second, InactiveAfter: 2 * time.Second}
		}},
	} {
		tbl := itbl
		t.Run(tbl.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tbl.mutate(&cfg)
			if _, err := NewNode(cfg); err == nil {
				t.Error("unexpectedly nil error")
			}
		})
	}

	n, err := NewNode(valid())
	if err != nil {
		t.Fatalf("failed to construct a valid node: %s", err)
	}
	if n.discoveryWindow != DefaultDiscoveryWindow || n.roundTimeout != DefaultRoundTimeout || n.policy != membership.DefaultPolicy {
		t.Errorf("unexpected defaults: %s %s %+v", n.discoveryWindow, n.roundTimeout, n.policy)
	}
	if st := n.Status(); st.ID != "A" || st.State != election.Idle || st.Round != -1 {
		t.Errorf("unexpected initial status: %+v", st)
	}
}

func TestScenarioABCElectsC(t *testing.T) {
	t.Parallel()
	for _, self := range []string{"A", "B", "C"} {
		tn := newTestNode(t, self, game.DefaultWords)
		if st := tn.Status(); st.State != election.Discovery {
			t.Fatalf("%s: unexpected state before the window closes: %s", self, st.State)
		}
		for _, peer := range []string{"A", "B", "C"} {
			tn.deliver(peer, wire.Heartbeat{})
		}
		tn.endDiscovery()

		st := tn.Status()
		if st.Leader != "C" {
			t.Errorf("%s: unexpected leader; want C; got %q", self, st.Leader)
		}
		if elections := tn.tr.sentOf(wire.KindElection); len(elections) != 1 || elections[0].(wire.Election).CandidateID != "C" {
			t.Errorf("%s: unexpected ELECTION broadcasts: %+v", self, elections)
		}
		if l, ok := st.Members.Leader(); !ok || l != "C" {
			t.Errorf("%s: unexpected leader role in members: %q", self, l)
		}
		coords := tn.tr.sentOf(wire.KindCoordinator)
		if self == "C" {
			if st.State != election.Leader || len(coords) == 0 {
				t.Errorf("C: unexpected state %s with %d COORDINATOR broadcasts", st.State, len(coords))
			}
			if words := tn.tr.sentOf(wire.KindWord); len(words) != 1 || words[0].(wire.Word).RoundIndex != 0 {
				t.Errorf("C: unexpected WORD broadcasts: %+v", words)
			}
			continue
		}
		if st.State != election.Follower || len(coords) != 0 {
			t.Errorf("%s: unexpected state %s with %d COORDINATOR broadcasts", self, st.State, len(coords))
		}
		if !reflect.DeepEqual(tn.leaders, []string{"C"}) {
			t.Errorf("%s: unexpected leader changes: %v", self, tn.leaders)
		}
	}
}

func TestLeaderScoresAnswerOnce(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "C", []string{"separate", "rhythm"})
	tn.deliver("A", wire.Heartbeat{})
	tn.deliver("B", wire.Heartbeat{})
	tn.endDiscovery()

	words := tn.tr.sentOf(wire.KindWord)
	if len(words) != 1 {
		t.Fatalf("unexpected WORD broadcasts: %+v", words)
	}
	first := words[0].(wire.Word)
	if first.RoundIndex != 0 {
		t.Errorf("unexpected first round; want 0; got %d", first.RoundIndex)
	}
	// the leader's own player gets the word without the network
	if !reflect.DeepEqual(tn.player.words, []wordCall{{round: 0, word: first.Word}}) {
		t.Errorf("unexpected local deliveries: %+v", tn.player.words)
	}

	tn.deliver("A", wire.Answer{RoundIndex: 0, Answer: first.Word, LeaderID: "C"})
	tn.deliver("A", wire.Answer{RoundIndex: 0, Answer: first.Word, LeaderID: "C"})
	acks := tn.tr.sentOf(wire.KindAnswerAck)
	want := []wire.Payload{
		wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: game.CorrectPoints},
		wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: 0, Duplicate: true},
	}
	if !reflect.DeepEqual(acks, want) {
		t.Errorf("unexpected acknowledgements; want %+v; got %+v", want, acks)
	}

	// addressed to some other leader: not ours to score
	tn.deliver("B", wire.Answer{RoundIndex: 0, Answer: first.Word, LeaderID: "Z"})
	// not started yet
	tn.deliver("B", wire.Answer{RoundIndex: 5, Answer: first.Word})
	if got := len(tn.tr.sentOf(wire.KindAnswerAck)); got != 2 {
		t.Errorf("unexpected ack count; want 2; got %d", got)
	}
	for _, e := range tn.lead.game.Scoreboard() {
		if e.PlayerID == "A" && e.Score != game.CorrectPoints {
			t.Errorf("unexpected score for A; want %d; got %d", game.CorrectPoints, e.Score)
		}
	}
}

func TestRoundClosesWhenEveryoneAnswered(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "C", []string{"separate"})
	tn.deliver("B", wire.Heartbeat{})
	tn.endDiscovery()

	tn.deliver("B", wire.Answer{RoundIndex: 0, Answer: "seperate", LeaderID: "C"})
	if got := tn.tr.sentOf(wire.KindScoreboard); len(got) != 0 {
		t.Fatalf("round closed before the leader's player answered: %+v", got)
	}
	tn.handleEvent(event{kind: evSubmit, answer: "Separate"})
	if !reflect.DeepEqual(tn.player.acks, []ackCall{{round: 0, correct: true, delta: game.CorrectPoints}}) {
		t.Errorf("unexpected local acknowledgements: %+v", tn.player.acks)
	}

	sbs := tn.tr.sentOf(wire.KindScoreboard)
	if len(sbs) != 1 {
		t.Fatalf("unexpected SCOREBOARD broadcasts: %+v", sbs)
	}
	sb := sbs[0].(wire.Scoreboard)
	wantEntries := []wire.ScoreEntry{
		{PlayerID: "C", Score: game.CorrectPoints, Active: true},
		{PlayerID: "B", Score: game.IncorrectPoints, Active: true},
	}
	if sb.NextRound != 1 || !reflect.DeepEqual(sb.Entries, wantEntries) || !reflect.DeepEqual(sb.UsedWords, []string{"separate"}) {
		t.Errorf("unexpected scoreboard: %+v", sb)
	}

	// only one word: the next round can't start
	overs := tn.tr.sentOf(wire.KindGameOver)
	if len(overs) != 1 || !reflect.DeepEqual(overs[0].(wire.GameOver).Entries, wantEntries) {
		t.Errorf("unexpected GAME_OVER broadcasts: %+v", overs)
	}
	select {
	case <-tn.Done():
	default:
		t.Error("Done not closed after game over")
	}
	if st := tn.Status(); !st.Finished || !reflect.DeepEqual(st.Final, wantEntries) {
		t.Errorf("unexpected final status: %+v", st)
	}

	// GAME_OVER keeps going out with the heartbeats
	tn.handleEvent(event{kind: evHeartbeat})
	if got := len(tn.tr.sentOf(wire.KindGameOver)); got != 2 {
		t.Errorf("unexpected GAME_OVER count after a heartbeat; want 2; got %d", got)
	}
}

func TestRoundTimeout(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "C", game.DefaultWords)
	tn.deliver("B", wire.Heartbeat{})
	tn.deliver("A", wire.Heartbeat{})
	tn.endDiscovery()

	timeout := tn.lastTimer(t, evRoundTimeout)
	if timeout.round != 0 {
		t.Fatalf("unexpected timeout round %d", timeout.round)
	}
	tn.handleEvent(timeout)
	sbs := tn.tr.sentOf(wire.KindScoreboard)
	if len(sbs) != 1 || sbs[0].(wire.Scoreboard).NextRound != 1 {
		t.Fatalf("unexpected scoreboards after timeout: %+v", sbs)
	}
	words := tn.tr.sentOf(wire.KindWord)
	if last := words[len(words)-1].(wire.Word); last.RoundIndex != 1 {
		t.Errorf("next round not started; last WORD %+v", last)
	}

	// the first round's timer firing again must not close round 1
	tn.handleEvent(timeout)
	if got := len(tn.tr.sentOf(wire.KindScoreboard)); got != 1 {
		t.Errorf("stale timeout closed a round; %d scoreboards", got)
	}
	// late answers for round 0 get a duplicate ack and no points
	tn.deliver("A", wire.Answer{RoundIndex: 0, Answer: "whatever"})
	acks := tn.tr.sentOf(wire.KindAnswerAck)
	if len(acks) != 1 || !reflect.DeepEqual(acks[0], wire.Payload(wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Duplicate: true})) {
		t.Errorf("unexpected late acknowledgement: %+v", acks)
	}
}

func TestWordResend(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "C", game.DefaultWords)
	tn.deliver("B", wire.Heartbeat{})
	tn.endDiscovery()

	resend := tn.lastTimer(t, evWordResend)
	tn.handleEvent(resend)
	tn.handleEvent(resend)
	words := tn.tr.sentOf(wire.KindWord)
	if len(words) != 3 {
		t.Fatalf("unexpected WORD count; want 3; got %d", len(words))
	}
	for _, w := range words[1:] {
		if !reflect.DeepEqual(w, words[0]) {
			t.Errorf("resent word differs: %+v vs %+v", w, words[0])
		}
	}

	tn.handleEvent(tn.lastTimer(t, evRoundTimeout))
	before := len(tn.tr.sentOf(wire.KindWord))
	tn.handleEvent(resend)
	if got := len(tn.tr.sentOf(wire.KindWord)); got != before {
		t.Errorf("closed round's word resent")
	}
}

func TestFollowerAnswerResend(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "A", game.DefaultWords)
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()

	// from somebody other than the leader
	tn.deliver("B", wire.Word{RoundIndex: 0, Word: "bogus"})
	tn.deliver("C", wire.Word{RoundIndex: 0, Word: "separate"})
	tn.deliver("C", wire.Word{RoundIndex: 0, Word: "separate"})
	if !reflect.DeepEqual(tn.player.words, []wordCall{{round: 0, word: "separate"}}) {
		t.Fatalf("unexpected deliveries: %+v", tn.player.words)
	}

	tn.handleEvent(event{kind: evSubmit, answer: "separate"})
	tn.handleEvent(event{kind: evSubmit, answer: "second thoughts"})
	answers := tn.tr.sentOf(wire.KindAnswer)
	want := wire.Answer{RoundIndex: 0, Answer: "separate", LeaderID: "C"}
	if len(answers) != 1 || answers[0] != wire.Payload(want) {
		t.Fatalf("unexpected ANSWER broadcasts: %+v", answers)
	}

	resend := tn.lastTimer(t, evAnswerResend)
	tn.handleEvent(resend)
	if got := len(tn.tr.sentOf(wire.KindAnswer)); got != 2 {
		t.Errorf("unexpected ANSWER count after resend; want 2; got %d", got)
	}

	// somebody else's ack
	tn.deliver("C", wire.AnswerAck{RoundIndex: 0, PlayerID: "B", Correct: true, Delta: 10})
	tn.deliver("C", wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: 10})
	tn.deliver("C", wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: 0, Duplicate: true})
	if !reflect.DeepEqual(tn.player.acks, []ackCall{{round: 0, correct: true, delta: 10}}) {
		t.Errorf("unexpected acknowledgements: %+v", tn.player.acks)
	}

	tn.handleEvent(tn.lastTimer(t, evAnswerResend))
	if got := len(tn.tr.sentOf(wire.KindAnswer)); got != 2 {
		t.Errorf("answer resent after acknowledgement; %d sent", got)
	}
}

func TestLeaderCrashResumesNextRound(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "B", game.DefaultWords)
	tn.deliver("A", wire.Heartbeat{})
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()
	if st := tn.Status(); st.Leader != "C" {
		t.Fatalf("unexpected leader %q", st.Leader)
	}

	played := []string{"separate", "rhythm", "vacuum"}
	tn.deliver("C", wire.Scoreboard{
		NextRound: 3,
		Entries: []wire.ScoreEntry{
			{PlayerID: "C", Score: 30, Active: true},
			{PlayerID: "B", Score: 20, Active: true},
			{PlayerID: "A", Score: 5, Active: true},
		},
		UsedWords: played,
	})
	tn.deliver("C", wire.Word{RoundIndex: 3, Word: "weird"})

	// C goes quiet; A doesn't
	p := membership.DefaultPolicy
	for elapsed := time.Duration(0); elapsed <= p.InactiveAfter+p.HeartbeatInterval; elapsed += p.HeartbeatInterval {
		tn.fc.Advance(p.HeartbeatInterval)
		tn.deliver("A", wire.Heartbeat{})
		tn.handleEvent(event{kind: evSweep})
	}

	st := tn.Status()
	if st.State != election.Leader || st.Leader != "B" {
		t.Fatalf("unexpected state after leader crash: %s led by %q", st.State, st.Leader)
	}
	if c, _ := st.Members.Get("C"); c.Status != membership.Inactive {
		t.Errorf("unexpected status for C: %s", c.Status)
	}
	if !reflect.DeepEqual(tn.leaders, []string{"C", "", "B"}) {
		t.Errorf("unexpected leader changes: %v", tn.leaders)
	}

	words := tn.tr.sentOf(wire.KindWord)
	if len(words) != 1 {
		t.Fatalf("unexpected WORD broadcasts: %+v", words)
	}
	w := words[0].(wire.Word)
	if w.RoundIndex != 3 {
		t.Errorf("unexpected resumed round; want 3; got %d", w.RoundIndex)
	}
	for _, u := range played {
		if w.Word == u {
			t.Errorf("resumed round replays word %q", u)
		}
	}
	// restored scores carry over
	tn.deliver("A", wire.Answer{RoundIndex: 3, Answer: w.Word})
	for _, e := range tn.lead.game.Scoreboard() {
		wantScore := map[string]int{"A": 15, "B": 20, "C": 30}[e.PlayerID]
		if e.Score != wantScore {
			t.Errorf("unexpected score for %s; want %d; got %d", e.PlayerID, wantScore, e.Score)
		}
		if e.PlayerID == "C" && e.Active {
			t.Error("crashed leader still an active player")
		}
	}
}

func TestLeaderShutdownTriggersElection(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "A", game.DefaultWords)
	tn.deliver("B", wire.Heartbeat{})
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()

	tn.deliver("C", wire.Shutdown{})
	st := tn.Status()
	if st.Leader != "B" || st.State != election.Follower || st.ElectionRound != 2 {
		t.Errorf("unexpected status after leader shutdown: %+v", st)
	}
	if _, ok := st.Members.Get("C"); ok {
		t.Error("shut down peer still a member")
	}
}

func TestSplitBrainHigherClaimWins(t *testing.T) {
	t.Parallel()
	b := newTestNode(t, "B", game.DefaultWords)
	b.deliver("A", wire.Heartbeat{})
	b.endDiscovery()
	if !b.engine.Leading() {
		t.Fatal("B not leading")
	}
	b.deliver("C", wire.Coordinator{LeaderID: "C"})
	if st := b.Status(); st.State != election.Follower || st.Leader != "C" {
		t.Errorf("B did not yield to C: %+v", st)
	}
	if b.ousted != 1 || b.lead != nil {
		t.Errorf("unexpected ousting state: %d calls, lead %v", b.ousted, b.lead)
	}

	c := newTestNode(t, "C", game.DefaultWords)
	c.deliver("A", wire.Heartbeat{})
	c.endDiscovery()
	c.deliver("B", wire.Heartbeat{})
	before := len(c.tr.sentOf(wire.KindCoordinator))
	c.deliver("B", wire.Coordinator{LeaderID: "B"})
	if got := len(c.tr.sentOf(wire.KindCoordinator)); got != before+1 {
		t.Errorf("C did not re-announce after a lower claim; %d -> %d", before, got)
	}
	if !c.engine.Leading() {
		t.Error("C lost leadership to a lower claim")
	}

	// ELECTION from anyone makes the leader re-announce too
	c.deliver("A", wire.Election{CandidateID: "C"})
	if got := len(c.tr.sentOf(wire.KindCoordinator)); got != before+2 {
		t.Errorf("C did not re-announce after ELECTION; %d -> %d", before, got)
	}
}

func TestCoordinatorEndsDiscoveryEarly(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "A", game.DefaultWords)
	tn.deliver("C", wire.Coordinator{LeaderID: "C"})
	if st := tn.Status(); st.State != election.Follower || st.Leader != "C" {
		t.Errorf("unexpected status: %+v", st)
	}
	// the window closing afterwards changes nothing
	tn.endDiscovery()
	if st := tn.Status(); st.ElectionRound != 0 || st.Leader != "C" {
		t.Errorf("unexpected status after the window closed: %+v", st)
	}
}

func TestFollowerCachesStandings(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "A", game.DefaultWords)
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()

	sb := wire.Scoreboard{NextRound: 2, Entries: []wire.ScoreEntry{{PlayerID: "A", Score: 20, Active: true}}}
	tn.deliver("C", sb)
	// stale, and from a non-leader
	tn.deliver("C", wire.Scoreboard{NextRound: 1})
	tn.deliver("B", wire.Scoreboard{NextRound: 9})
	if got := tn.Status().Standings; !reflect.DeepEqual(got, sb) {
		t.Errorf("unexpected standings; want %+v; got %+v", sb, got)
	}

	tn.deliver("C", wire.GameOver{Entries: sb.Entries})
	tn.deliver("C", wire.GameOver{Entries: nil})
	if st := tn.Status(); !st.Finished || !reflect.DeepEqual(st.Final, sb.Entries) {
		t.Errorf("unexpected final status: %+v", st)
	}
	tn.handleEvent(event{kind: evSubmit, answer: "too late"})
	if got := tn.tr.sentOf(wire.KindAnswer); len(got) != 0 {
		t.Errorf("answer sent after game over: %+v", got)
	}
}

func TestResetMembersKeepsLeader(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "A", game.DefaultWords)
	tn.deliver("B", wire.Heartbeat{})
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()

	tn.handleEvent(event{kind: evResetMembers})
	st := tn.Status()
	if st.Members.Len() != 2 {
		t.Errorf("unexpected member count after reset; want 2; got %d", st.Members.Len())
	}
	if l, ok := st.Members.Leader(); !ok || l != "C" || st.Leader != "C" {
		t.Errorf("leader lost across reset: %q %q", l, st.Leader)
	}
	tn.deliver("B", wire.Heartbeat{})
	if _, ok := tn.Status().Members.Get("B"); !ok {
		t.Error("B did not reappear")
	}
}

func scoresOf(entries []wire.ScoreEntry) map[string]int {
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		out[e.PlayerID] = e.Score
	}
	return out
}

func TestLateHigherPeerResumesStandings(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "D", game.DefaultWords)
	tn.deliver("A", wire.Heartbeat{})
	tn.deliver("C", wire.Heartbeat{})
	tn.deliver("C", wire.Coordinator{LeaderID: "C"})
	played := []string{"separate", "rhythm", "vacuum"}
	sb := wire.Scoreboard{
		NextRound: 3,
		Entries: []wire.ScoreEntry{
			{PlayerID: "C", Score: 30, Active: true},
			{PlayerID: "A", Score: 20, Active: true},
		},
		UsedWords: played,
	}
	tn.deliver("C", sb)
	// a peer that never claimed leadership is not trusted
	tn.deliver("A", wire.Scoreboard{NextRound: 7})
	if got := tn.Status().Standings; !reflect.DeepEqual(got, sb) {
		t.Fatalf("standings not cached during discovery; want %+v; got %+v", sb, got)
	}

	tn.endDiscovery()
	if st := tn.Status(); st.State != election.Leader || st.Leader != "D" {
		t.Fatalf("unexpected status: %s led by %q", st.State, st.Leader)
	}
	words := tn.tr.sentOf(wire.KindWord)
	if len(words) != 1 {
		t.Fatalf("unexpected WORD broadcasts: %+v", words)
	}
	w := words[0].(wire.Word)
	if w.RoundIndex != 3 {
		t.Errorf("unexpected first round; want 3; got %d", w.RoundIndex)
	}
	for _, u := range played {
		if w.Word == u {
			t.Errorf("resumed round replays word %q", u)
		}
	}
	want := map[string]int{"A": 20, "C": 30, "D": 0}
	if got := scoresOf(tn.lead.game.Scoreboard()); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected scores; want %v; got %v", want, got)
	}
}

func TestLeaderAdoptsNewerStandings(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "D", game.DefaultWords)
	tn.deliver("A", wire.Heartbeat{})
	tn.deliver("C", wire.Heartbeat{})
	tn.endDiscovery()
	if got := tn.tr.sentOf(wire.KindWord); len(got) != 1 || got[0].(wire.Word).RoundIndex != 0 {
		t.Fatalf("unexpected WORD broadcasts: %+v", got)
	}
	staleTimeout := tn.lastTimer(t, evRoundTimeout)

	// C led before D showed up, and shares its standings on stepping down
	tn.deliver("C", wire.Scoreboard{
		NextRound: 3,
		Entries: []wire.ScoreEntry{
			{PlayerID: "C", Score: 30, Active: true},
			{PlayerID: "A", Score: 20, Active: true},
		},
		UsedWords: []string{"separate", "rhythm", "vacuum"},
	})
	words := tn.tr.sentOf(wire.KindWord)
	if len(words) != 2 || words[1].(wire.Word).RoundIndex != 3 {
		t.Fatalf("tournament not resumed at round 3: %+v", words)
	}
	if got := scoresOf(tn.lead.game.Scoreboard()); got["C"] != 30 || got["A"] != 20 {
		t.Errorf("unexpected scores after adopting standings: %v", got)
	}

	// older standings change nothing
	tn.deliver("A", wire.Scoreboard{NextRound: 2})
	if got := len(tn.tr.sentOf(wire.KindWord)); got != 2 {
		t.Errorf("older standings restarted the tournament; %d WORD broadcasts", got)
	}

	tn.handleEvent(staleTimeout)
	if len(tn.tr.sentOf(wire.KindScoreboard)) != 0 || tn.lead.round != 3 || !tn.lead.open {
		t.Errorf("timeout of the abandoned round closed round %d", tn.lead.round)
	}
}

func TestSteppedDownLeaderSharesStandings(t *testing.T) {
	t.Parallel()
	tn := newTestNode(t, "C", game.DefaultWords)
	tn.deliver("A", wire.Heartbeat{})
	tn.endDiscovery()
	tn.handleEvent(tn.lastTimer(t, evRoundTimeout))
	if got := tn.tr.sentOf(wire.KindScoreboard); len(got) != 1 {
		t.Fatalf("unexpected SCOREBOARD broadcasts: %+v", got)
	}

	tn.deliver("D", wire.Coordinator{LeaderID: "D"})
	if st := tn.Status(); st.State != election.Follower || st.Leader != "D" {
		t.Fatalf("C did not yield to D: %+v", st)
	}
	sbs := tn.tr.sentOf(wire.KindScoreboard)
	if len(sbs) != 2 {
		t.Fatalf("standings not shared on stepping down: %+v", sbs)
	}
	if !reflect.DeepEqual(sbs[1], sbs[0]) || sbs[1].(wire.Scoreboard).NextRound != 1 {
		t.Errorf("unexpected shared standings; want %+v; got %+v", sbs[0], sbs[1])
	}
}

func TestTimersFromEarlierTermIgnored(t *testing.T) {
	t.Parallel()
	b := newTestNode(t, "B", game.DefaultWords)
	b.deliver("A", wire.Heartbeat{})
	b.endDiscovery()
	staleTimeout := b.lastTimer(t, evRoundTimeout)
	staleResend := b.lastTimer(t, evWordResend)

	b.deliver("C", wire.Coordinator{LeaderID: "C"})
	b.deliver("C", wire.Shutdown{})
	if !b.engine.Leading() {
		t.Fatalf("B not leading again: %+v", b.Status())
	}
	if b.lead.round != 0 || !b.lead.open {
		t.Fatalf("unexpected round of the second term: %d (open %t)", b.lead.round, b.lead.open)
	}
	words := len(b.tr.sentOf(wire.KindWord))

	b.handleEvent(staleTimeout)
	b.handleEvent(staleResend)
	if b.lead.round != 0 || !b.lead.open {
		t.Errorf("timer of the first term closed the second term's round; now at %d", b.lead.round)
	}
	if got := b.tr.sentOf(wire.KindScoreboard); len(got) != 0 {
		t.Errorf("unexpected SCOREBOARD broadcasts: %+v", got)
	}
	if got := len(b.tr.sentOf(wire.KindWord)); got != words {
		t.Errorf("timer of the first term resent the word; %d -> %d", words, got)
	}

	b.handleEvent(b.lastTimer(t, evRoundTimeout))
	if b.lead.round != 1 {
		t.Errorf("current term's timeout ignored; still at round %d", b.lead.round)
	}
}

func TestRepeatAnswersNotReported(t *testing.T) {
	t.Parallel()
	a := newTestNode(t, "A", game.DefaultWords)
	a.deliver("C", wire.Heartbeat{})
	a.endDiscovery()
	a.deliver("C", wire.Word{RoundIndex: 0, Word: "separate"})
	a.handleEvent(event{kind: evSubmit, answer: "separate"})
	a.deliver("C", wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: 10})
	a.handleEvent(event{kind: evSubmit, answer: "separate"})
	if got := len(a.tr.sentOf(wire.KindAnswer)); got != 2 {
		t.Fatalf("unexpected ANSWER count; want 2; got %d", got)
	}
	a.deliver("C", wire.AnswerAck{RoundIndex: 0, PlayerID: "A", Correct: true, Delta: 0, Duplicate: true})
	if !reflect.DeepEqual(a.player.acks, []ackCall{{round: 0, correct: true, delta: 10}}) {
		t.Errorf("unexpected follower acknowledgements: %+v", a.player.acks)
	}
	if a.play.pending != nil {
		t.Error("repeat answer still pending after its acknowledgement")
	}

	c := newTestNode(t, "C", game.DefaultWords)
	c.deliver("A", wire.Heartbeat{})
	c.endDiscovery()
	c.handleEvent(event{kind: evSubmit, answer: c.lead.word})
	c.handleEvent(event{kind: evSubmit, answer: c.lead.word})
	if !reflect.DeepEqual(c.player.acks, []ackCall{{round: 0, correct: true, delta: game.CorrectPoints}}) {
		t.Errorf("unexpected leader acknowledgements: %+v", c.player.acks)
	}
}
