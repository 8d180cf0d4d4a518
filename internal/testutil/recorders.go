package testutil

import "sync"

// ActionRecorder implements engine.Actions, recording every call.
type ActionRecorder struct {
	mu sync.Mutex

	Bans    [][2]int64 // (gid, uid)
	Deletes [][2]int64 // (gid, mid)
	Debugs  []DebugNotice
}

// DebugNotice is one recorded SendDebug call.
type DebugNotice struct {
	Action    string
	GroupID   int64
	UserID    int64
	MessageID int64
	Evidence  string
}

func (r *ActionRecorder) Ban(gid, uid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Bans = append(r.Bans, [2]int64{gid, uid})
}

func (r *ActionRecorder) Delete(gid, mid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deletes = append(r.Deletes, [2]int64{gid, mid})
}

func (r *ActionRecorder) SendDebug(action string, gid, uid, mid int64, evidence string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Debugs = append(r.Debugs, DebugNotice{
		Action: action, GroupID: gid, UserID: uid, MessageID: mid, Evidence: evidence,
	})
}

// ShareRecorder implements engine.Sharer and state.Broadcaster, recording
// every broadcast.
type ShareRecorder struct {
	mu sync.Mutex

	Declared  [][2]int64 // (gid, mid)
	Scores    []ScoreUpdate
	Helps     []HelpRequest
	BadUsers  []int64
	WatchBans []WatchBanShare
}

// ScoreUpdate is one recorded UpdateScore call.
type ScoreUpdate struct {
	UserID int64
	Score  float64
}

// HelpRequest is one recorded AskForHelp call.
type HelpRequest struct {
	GroupID     int64
	UserID      int64
	HelpType    string
	DeleteScope string
}

// WatchBanShare is one recorded ShareWatchBanUser call.
type WatchBanShare struct {
	UserID int64
	Until  int64
}

func (r *ShareRecorder) DeclareMessage(gid, mid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Declared = append(r.Declared, [2]int64{gid, mid})
}

func (r *ShareRecorder) UpdateScore(uid int64, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Scores = append(r.Scores, ScoreUpdate{UserID: uid, Score: score})
}

func (r *ShareRecorder) AskForHelp(gid, uid int64, helpType, deleteScope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Helps = append(r.Helps, HelpRequest{
		GroupID: gid, UserID: uid, HelpType: helpType, DeleteScope: deleteScope,
	})
}

func (r *ShareRecorder) ShareBadUser(uid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BadUsers = append(r.BadUsers, uid)
}

func (r *ShareRecorder) ShareWatchBanUser(uid int64, until int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WatchBans = append(r.WatchBans, WatchBanShare{UserID: uid, Until: until})
}

// PublishRecorder implements share.Publisher, capturing raw payloads.
type PublishRecorder struct {
	mu sync.Mutex

	Payloads [][]byte
	// Err, when set, fails every publish.
	Err error
}

func (r *PublishRecorder) Publish(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Payloads = append(r.Payloads, payload)
	return nil
}

// Count returns the number of captured payloads.
func (r *PublishRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Payloads)
}
