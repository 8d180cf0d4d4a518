package node_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/SDGBots/scp-079-long/internal/config"
	"github.com/SDGBots/scp-079-long/internal/engine"
	"github.com/SDGBots/scp-079-long/internal/node"
	"github.com/SDGBots/scp-079-long/internal/platform"
	"github.com/SDGBots/scp-079-long/internal/testutil"
	"github.com/rs/zerolog"
)

type harness struct {
	n        *node.Node
	plat     *testutil.MockPlatform
	pub      *testutil.PublishRecorder
	control  chan platform.BusMessage
	emerg    chan platform.BusMessage
	chat     chan engine.ChatMessage
	events   chan platform.GroupEvent
	cancel   context.CancelFunc
	finished chan error
}

func testConfig() *config.Config {
	return &config.Config{
		ProjectName:    "LONG",
		SecretKey:      base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
		PlatformDriver: "memory",
		UserBotID:      777,
		DefaultLimit:   9000,
		ScoreThreshold: 3.0,
		TimeBan:        168 * time.Hour,
		WordTables:     []string{"wb"},
		EpochResetCron: "@weekly",
		PoolWorkers:    2,
		PoolQueueDepth: 64,
		PoolMaxRetries: 0,
		PoolRetryBase:  time.Millisecond,
		RateLimitRate:  1000,
		RateLimitBurst: 1000,
		LogLevel:       "info",
		LogFormat:      "json",
		HealthAddr:     "127.0.0.1:0",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		plat:     testutil.NewMockPlatform(),
		pub:      &testutil.PublishRecorder{},
		control:  make(chan platform.BusMessage, 16),
		emerg:    make(chan platform.BusMessage, 16),
		chat:     make(chan engine.ChatMessage, 16),
		events:   make(chan platform.GroupEvent, 16),
		finished: make(chan error, 1),
	}

	binding := &platform.Binding{
		Platform: h.plat,
		Evidence: testutil.NewMockEvidence(),
		Outbound: h.pub,
		Source: platform.Source{
			Control:   h.control,
			Emergency: h.emerg,
			Chat:      h.chat,
			Events:    h.events,
		},
	}

	n, err := node.New(testConfig(), testutil.NewMockStore(), binding, zerolog.Nop())
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	h.n = n

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.finished <- n.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.finished:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("node did not shut down")
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rawEnvelope(t *testing.T, from string, to []string, action, typ string, data any) []byte {
	t.Helper()
	rawData, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(map[string]any{
		"from": from, "to": to, "action": action, "type": typ,
		"data": json.RawMessage(rawData),
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestControlEnvelopeMutatesState(t *testing.T) {
	h := newHarness(t)

	h.control <- platform.BusMessage{Raw: rawEnvelope(t, "MANAGE", []string{"LONG"},
		"add", "bad", map[string]any{"id": 42, "type": "user"})}

	waitFor(t, "bad user", func() bool { return h.n.State().IsBadUser(42) })
}

func TestHideFlagToggle(t *testing.T) {
	h := newHarness(t)

	// Raising the flag is accepted from any member addressed to EMERGENCY.
	h.emerg <- platform.BusMessage{Raw: rawEnvelope(t, "NOSPAM", []string{"EMERGENCY"},
		"backup", "hide", true)}
	waitFor(t, "hide raised", func() bool { return h.n.Hidden() })

	// Lowering it from a non-MANAGE member is refused.
	h.emerg <- platform.BusMessage{Raw: rawEnvelope(t, "NOSPAM", []string{"EMERGENCY"},
		"backup", "hide", false)}
	time.Sleep(50 * time.Millisecond)
	if !h.n.Hidden() {
		t.Fatal("hide flag lowered by non-MANAGE sender")
	}

	h.emerg <- platform.BusMessage{Raw: rawEnvelope(t, "MANAGE", []string{"EMERGENCY"},
		"backup", "hide", false)}
	waitFor(t, "hide lowered", func() bool { return !h.n.Hidden() })
}

func TestEmergencyChannelIgnoresControlTraffic(t *testing.T) {
	h := newHarness(t)

	h.emerg <- platform.BusMessage{Raw: rawEnvelope(t, "MANAGE", []string{"LONG"},
		"add", "bad", map[string]any{"id": 43, "type": "user"})}
	time.Sleep(50 * time.Millisecond)
	if h.n.State().IsBadUser(43) {
		t.Fatal("control traffic honored on the emergency channel")
	}
}

func TestGroupJoinFromUserBot(t *testing.T) {
	h := newHarness(t)
	h.plat.SetAdmins(100, []int64{1, 2})

	h.events <- platform.GroupEvent{GroupID: 100, InviterID: 777}

	waitFor(t, "group init", func() bool { return h.n.State().KnownGroup(100) })
	if !h.n.State().IsAdmin(100, 2) {
		t.Error("admins not recorded")
	}
}

func TestGroupJoinFromStrangerLeaves(t *testing.T) {
	h := newHarness(t)

	h.events <- platform.GroupEvent{GroupID: 200, InviterID: 5}

	waitFor(t, "leave", func() bool { return h.plat.Calls("LeaveGroup") == 1 })
	if !h.n.State().Left(200) {
		t.Error("left flag not set")
	}
}

func TestEnforcementFlowsThroughPool(t *testing.T) {
	h := newHarness(t)
	h.plat.SetAdmins(100, []int64{1})
	h.events <- platform.GroupEvent{GroupID: 100, InviterID: 777}
	waitFor(t, "group init", func() bool { return h.n.State().KnownGroup(100) })

	text := make([]rune, 9001)
	for i := range text {
		text[i] = 'x'
	}
	h.chat <- engine.ChatMessage{GroupID: 100, MessageID: 55, UserID: 10, UserName: "n", Text: string(text)}

	waitFor(t, "delete", func() bool { return h.plat.Calls("DeleteMessage") == 1 })
	// Auto delete publishes declare and score broadcasts through the pool.
	waitFor(t, "broadcasts", func() bool { return h.pub.Count() >= 2 })
}

func TestChatInUnknownGroupIgnored(t *testing.T) {
	h := newHarness(t)

	text := make([]rune, 9001)
	for i := range text {
		text[i] = 'x'
	}
	h.chat <- engine.ChatMessage{GroupID: 999, MessageID: 1, UserID: 10, Text: string(text)}
	time.Sleep(50 * time.Millisecond)
	if h.plat.Calls("DeleteMessage") != 0 {
		t.Fatal("message in unserved group enforced")
	}
}
