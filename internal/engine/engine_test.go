package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SDGBots/scp-079-long/internal/engine"
	"github.com/SDGBots/scp-079-long/internal/state"
	"github.com/SDGBots/scp-079-long/internal/testutil"
	"github.com/SDGBots/scp-079-long/internal/words"
	"github.com/rs/zerolog"
)

type fixture struct {
	st       *state.Service
	words    *words.Registry
	eng      *engine.Engine
	actions  *testutil.ActionRecorder
	sharer   *testutil.ShareRecorder
	evidence *testutil.MockEvidence
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMockStore()

	st := state.New(store, 168*time.Hour, 9000, zerolog.Nop())
	if err := st.Load(); err != nil {
		t.Fatalf("state load: %v", err)
	}

	reg, err := words.NewRegistry(store, []string{"wb"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("words: %v", err)
	}

	f := &fixture{
		st:       st,
		words:    reg,
		actions:  &testutil.ActionRecorder{},
		sharer:   &testutil.ShareRecorder{},
		evidence: testutil.NewMockEvidence(),
		now:      time.Unix(1_700_000_000, 0),
	}
	st.SetBroadcaster(f.sharer)

	f.eng = engine.New(st, reg, f.actions, f.evidence, f.sharer, engine.Config{
		ScoreThreshold: 3.0,
		BotIDs:         []int64{900},
		NicknameTable:  "wb",
	}, zerolog.Nop())
	f.eng.Now = func() time.Time { return f.now }

	if err := st.InitGroup(100, []int64{1}); err != nil {
		t.Fatal(err)
	}
	return f
}

func longMsg(uid int64) engine.ChatMessage {
	return engine.ChatMessage{
		GroupID:   100,
		MessageID: 55,
		UserID:    uid,
		UserName:  "Plain Name",
		Text:      strings.Repeat("a", 9001),
	}
}

func TestLimitBoundary(t *testing.T) {
	f := newFixture(t)

	msg := longMsg(10)
	msg.Text = strings.Repeat("a", 9000)
	if got := f.eng.Process(context.Background(), msg); got != engine.OutcomeSkipped {
		t.Fatalf("exactly at limit: got %s", got)
	}
	if len(f.actions.Deletes) != 0 || f.evidence.Count() != 0 {
		t.Error("at-limit message produced effects")
	}

	msg.Text = strings.Repeat("a", 9001)
	if got := f.eng.Process(context.Background(), msg); got == engine.OutcomeSkipped {
		t.Fatal("over-limit message skipped")
	}
}

func TestRuneCounting(t *testing.T) {
	f := newFixture(t)

	// Multi-byte runes: 9000 CJK characters are 27000 bytes but at the limit.
	msg := longMsg(10)
	msg.Text = strings.Repeat("试", 9000)
	if got := f.eng.Process(context.Background(), msg); got != engine.OutcomeSkipped {
		t.Fatalf("9000 runes should pass: got %s", got)
	}
}

func TestCustomGroupLimit(t *testing.T) {
	f := newFixture(t)
	if err := f.st.ReceiveConfigCommit(100, state.GroupConfig{Default: false, Limit: 10}); err != nil {
		t.Fatal(err)
	}

	msg := longMsg(10)
	msg.Text = strings.Repeat("a", 11)
	if got := f.eng.Process(context.Background(), msg); got != engine.OutcomeAutoDelete {
		t.Fatalf("got %s", got)
	}
}

func TestExemptions(t *testing.T) {
	f := newFixture(t)
	f.st.MarkBad(30)
	if err := f.st.ReceiveAddExcept("channel", 700); err != nil {
		t.Fatal(err)
	}
	if err := f.st.ReceiveAddBad("MANAGE", "channel", 800); err != nil {
		t.Fatal(err)
	}
	f.st.DeclareMessage(100, 55)

	cases := []struct {
		name string
		msg  engine.ChatMessage
	}{
		{"group admin", func() engine.ChatMessage { m := longMsg(1); m.MessageID = 56; return m }()},
		{"federation bot", func() engine.ChatMessage { m := longMsg(900); m.MessageID = 56; return m }()},
		{"bad user", func() engine.ChatMessage { m := longMsg(30); m.MessageID = 56; return m }()},
		{"except channel forward", func() engine.ChatMessage {
			m := longMsg(10)
			m.MessageID = 56
			m.FromChannelID = 700
			return m
		}()},
		{"bad channel forward", func() engine.ChatMessage {
			m := longMsg(10)
			m.MessageID = 56
			m.FromChannelID = 800
			return m
		}()},
		{"declared message", longMsg(10)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.eng.Process(context.Background(), tc.msg); got != engine.OutcomeExempt {
				t.Errorf("got %s want exempt", got)
			}
		})
	}
	if len(f.actions.Deletes) != 0 {
		t.Error("exempt messages produced deletions")
	}
}

func TestNicknameBan(t *testing.T) {
	f := newFixture(t)
	tbl, err := f.words.Get("wb")
	if err != nil {
		t.Fatal(err)
	}
	tbl.Reconcile([]string{"(?i)free crypto"})

	msg := longMsg(10)
	msg.UserName = "Free Crypto Airdrops"

	if got := f.eng.Process(context.Background(), msg); got != engine.OutcomeNicknameBan {
		t.Fatalf("got %s", got)
	}
	assertBanEffects(t, f, 10)
	if f.actions.Debugs[0].Action != "nickname ban" {
		t.Errorf("debug action: %q", f.actions.Debugs[0].Action)
	}
}

func TestWatchBan(t *testing.T) {
	f := newFixture(t)
	if err := f.st.ReceiveWatchUser(state.WatchBan, 10, f.now.Add(time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeWatchBan {
		t.Fatalf("got %s", got)
	}
	assertBanEffects(t, f, 10)
	if f.actions.Debugs[0].Action != "watch ban" {
		t.Errorf("debug action: %q", f.actions.Debugs[0].Action)
	}
}

func TestScoreBanExactEffects(t *testing.T) {
	f := newFixture(t)
	if err := f.st.ReceiveUserScore("nospam", 10, 2.0); err != nil {
		t.Fatal(err)
	}
	if err := f.st.ReceiveUserScore("warn", 10, 1.0); err != nil {
		t.Fatal(err)
	}

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeScoreBan {
		t.Fatalf("got %s", got)
	}
	assertBanEffects(t, f, 10)
	if f.actions.Debugs[0].Action != "score ban" {
		t.Errorf("debug action: %q", f.actions.Debugs[0].Action)
	}
	if f.evidence.Forwards[0].Extra == "" {
		t.Error("score ban evidence should carry the score")
	}

	// Exactly these effects and nothing more.
	if len(f.sharer.WatchBans) != 0 {
		t.Error("score ban must not promote a watch ban")
	}
	if len(f.sharer.Scores) != 0 {
		t.Error("score ban must not publish a score update")
	}
	if f.st.DetectedCount(10) != 0 {
		t.Error("score ban must not stamp a detection")
	}
}

func TestWatchDelete(t *testing.T) {
	f := newFixture(t)
	if err := f.st.ReceiveWatchUser(state.WatchDelete, 10, f.now.Add(time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeWatchDelete {
		t.Fatalf("got %s", got)
	}

	if len(f.actions.Bans) != 0 {
		t.Error("watch delete must not ban on the platform")
	}
	if f.st.IsBadUser(10) {
		t.Error("watch delete must not blacklist")
	}
	if !f.st.WatchActive(state.WatchBan, 10, f.now) {
		t.Error("watch delete must promote to ban watch")
	}
	if len(f.sharer.WatchBans) != 1 {
		t.Errorf("watch promotions shared: %d", len(f.sharer.WatchBans))
	}
	if len(f.actions.Deletes) != 1 {
		t.Errorf("deletes: %d", len(f.actions.Deletes))
	}
	if len(f.sharer.Helps) != 1 || f.sharer.Helps[0].HelpType != "delete" ||
		f.sharer.Helps[0].DeleteScope != "global" {
		t.Errorf("helps: %+v", f.sharer.Helps)
	}
	if len(f.sharer.Scores) != 1 || f.sharer.Scores[0].Score != 0.6 {
		t.Errorf("scores: %+v", f.sharer.Scores)
	}
	if f.actions.Debugs[0].Action != "watch delete" {
		t.Errorf("debug action: %q", f.actions.Debugs[0].Action)
	}
}

func TestDetectedBranch(t *testing.T) {
	f := newFixture(t)
	f.st.AddDetected(100, 10, f.now.Add(-time.Hour))

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeDetected {
		t.Fatalf("got %s", got)
	}
	if f.evidence.Count() != 0 {
		t.Error("detected branch must not forward evidence")
	}
	if len(f.actions.Deletes) != 1 {
		t.Errorf("deletes: %d", len(f.actions.Deletes))
	}
	if len(f.sharer.Declared) != 1 {
		t.Errorf("declares: %d", len(f.sharer.Declared))
	}
	if len(f.sharer.Scores) != 0 {
		t.Error("repeat detection must not publish a score")
	}
	if len(f.actions.Debugs) != 0 {
		t.Error("detected branch is silent")
	}
}

func TestRecordedBranch(t *testing.T) {
	f := newFixture(t)
	f.st.Record(100, 10)

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeRecorded {
		t.Fatalf("got %s", got)
	}
	if f.evidence.Count() != 0 {
		t.Error("recorded branch must not forward evidence")
	}
	if len(f.actions.Deletes) != 1 || len(f.sharer.Declared) != 1 {
		t.Error("recorded branch must delete and declare")
	}
}

func TestAutoDeleteAndScoreOnFirstViolation(t *testing.T) {
	f := newFixture(t)

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeAutoDelete {
		t.Fatalf("got %s", got)
	}
	if !f.st.IsRecorded(100, 10) {
		t.Error("auto delete must record the user for the epoch")
	}
	if len(f.sharer.Scores) != 1 || f.sharer.Scores[0].Score != 0.6 {
		t.Errorf("first violation score: %+v", f.sharer.Scores)
	}
	if len(f.sharer.Helps) != 0 {
		t.Error("auto delete must not ask for help")
	}
	if f.actions.Debugs[0].Action != "auto delete" {
		t.Errorf("debug action: %q", f.actions.Debugs[0].Action)
	}

	// Second violation in the same group: detected branch, no second score.
	msg := longMsg(10)
	msg.MessageID = 56
	if got := f.eng.Process(context.Background(), msg); got != engine.OutcomeDetected {
		t.Fatalf("second violation: got %s", got)
	}
	if len(f.sharer.Scores) != 1 {
		t.Errorf("second violation published a score: %+v", f.sharer.Scores)
	}
}

func TestScoreGrowsPerGroup(t *testing.T) {
	f := newFixture(t)
	if err := f.st.InitGroup(200, []int64{1}); err != nil {
		t.Fatal(err)
	}

	f.eng.Process(context.Background(), longMsg(10))

	msg := longMsg(10)
	msg.GroupID = 200
	msg.MessageID = 57
	f.eng.Process(context.Background(), msg)

	if len(f.sharer.Scores) != 2 {
		t.Fatalf("scores: %+v", f.sharer.Scores)
	}
	if f.sharer.Scores[1].Score != 2*0.6 {
		t.Errorf("second group score: got %g", f.sharer.Scores[1].Score)
	}
}

func TestEvidenceFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.evidence.Fail(errors.New("forward refused"))

	if got := f.eng.Process(context.Background(), longMsg(10)); got != engine.OutcomeSkipped {
		t.Fatalf("got %s", got)
	}
	if len(f.actions.Bans) != 0 || len(f.actions.Deletes) != 0 || len(f.actions.Debugs) != 0 {
		t.Error("failed evidence must suppress all platform actions")
	}
	if len(f.sharer.Declared) != 0 || len(f.sharer.Helps) != 0 || len(f.sharer.Scores) != 0 {
		t.Error("failed evidence must suppress all broadcasts")
	}
	if f.st.IsRecorded(100, 10) || f.st.DetectedCount(10) != 0 {
		t.Error("failed evidence must not mutate state")
	}
}

// assertBanEffects checks the effect set shared by all three ban branches.
func assertBanEffects(t *testing.T, f *fixture, uid int64) {
	t.Helper()
	if !f.st.IsBadUser(uid) {
		t.Error("user not blacklisted")
	}
	if len(f.sharer.BadUsers) != 1 {
		t.Errorf("bad-user broadcasts: %d", len(f.sharer.BadUsers))
	}
	if len(f.actions.Bans) != 1 {
		t.Errorf("bans: %d", len(f.actions.Bans))
	}
	if len(f.actions.Deletes) != 1 {
		t.Errorf("deletes: %d", len(f.actions.Deletes))
	}
	if !f.st.IsDeclared(100, 55) {
		t.Error("message not declared locally")
	}
	if len(f.sharer.Declared) != 1 {
		t.Errorf("declares shared: %d", len(f.sharer.Declared))
	}
	if len(f.sharer.Helps) != 1 || f.sharer.Helps[0].HelpType != "ban" {
		t.Errorf("helps: %+v", f.sharer.Helps)
	}
	if len(f.actions.Debugs) != 1 {
		t.Errorf("debugs: %d", len(f.actions.Debugs))
	}
}
