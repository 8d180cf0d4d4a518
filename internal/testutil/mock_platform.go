package testutil

import (
	"context"
	"sync"

	"github.com/SDGBots/scp-079-long/internal/engine"
)

// MockPlatform implements platform.Platform for testing.
// All methods are safe for concurrent use.
type MockPlatform struct {
	mu sync.Mutex

	// Admins presets GroupAdmins responses per group.
	admins map[int64][]int64

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// Recorded calls
	Banned  [][2]int64 // (gid, uid)
	Deleted [][2]int64 // (gid, mid)
	Sent    []SentMessage
	Left    []int64
}

// SentMessage is one recorded SendMessage call.
type SentMessage struct {
	ChatID int64
	Text   string
}

// NewMockPlatform returns a zero-state MockPlatform ready for use.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		admins: make(map[int64][]int64),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetAdmins presets the admin list returned for a group.
func (m *MockPlatform) SetAdmins(gid int64, admins []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[gid] = admins
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockPlatform) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockPlatform) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockPlatform) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- platform.Platform implementation ---------------------------------------

func (m *MockPlatform) BanUser(ctx context.Context, gid, uid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["BanUser"]++
	if err := m.popError("BanUser"); err != nil {
		return err
	}
	m.Banned = append(m.Banned, [2]int64{gid, uid})
	return nil
}

func (m *MockPlatform) DeleteMessage(ctx context.Context, gid, mid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DeleteMessage"]++
	if err := m.popError("DeleteMessage"); err != nil {
		return err
	}
	m.Deleted = append(m.Deleted, [2]int64{gid, mid})
	return nil
}

func (m *MockPlatform) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SendMessage"]++
	if err := m.popError("SendMessage"); err != nil {
		return err
	}
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *MockPlatform) GroupAdmins(ctx context.Context, gid int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GroupAdmins"]++
	if err := m.popError("GroupAdmins"); err != nil {
		return nil, err
	}
	return m.admins[gid], nil
}

func (m *MockPlatform) LeaveGroup(ctx context.Context, gid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["LeaveGroup"]++
	if err := m.popError("LeaveGroup"); err != nil {
		return err
	}
	m.Left = append(m.Left, gid)
	return nil
}

// MockEvidence implements engine.Evidence with a preset reference.
type MockEvidence struct {
	mu sync.Mutex

	// Ref is returned on successful forwards. Defaults to "evidence-1".
	Ref string
	// Err, when set, fails every forward until cleared.
	Err error

	Forwards []ForwardedEvidence
}

// ForwardedEvidence is one recorded Forward call.
type ForwardedEvidence struct {
	Msg   engine.ChatMessage
	Level string
	Rule  string
	Extra string
}

// NewMockEvidence returns a MockEvidence that succeeds.
func NewMockEvidence() *MockEvidence {
	return &MockEvidence{Ref: "evidence-1"}
}

// Fail makes every subsequent forward fail with err.
func (m *MockEvidence) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Count returns the number of recorded forwards.
func (m *MockEvidence) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Forwards)
}

func (m *MockEvidence) Forward(ctx context.Context, msg engine.ChatMessage, level, rule, extra string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Forwards = append(m.Forwards, ForwardedEvidence{Msg: msg, Level: level, Rule: rule, Extra: extra})
	return m.Ref, nil
}
