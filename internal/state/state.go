// Package state owns all federation-shared mutable state: blacklists, except
// lists, watch lists, user records, group membership, configs, and the
// declared/recorded dedupe sets. Every mutation goes through a named
// operation; nothing else touches the maps.
//
// Each map family has its own mutex. Operations acquire one family lock at a
// time, never nested; the bad-user removal cascade touches families in the
// fixed order bad → watch → user. Score updates are last-write-wins with no
// ordering across federation members (known limitation, preserved from the
// protocol).
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SDGBots/scp-079-long/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNotFound and ErrCorrupted complete the operation error taxonomy.
var (
	ErrNotFound  = storage.ErrNotFound
	ErrCorrupted = storage.ErrCorrupted
)

// Names of the durable snapshots this service owns.
const (
	storeAdminIDs  = "admin_ids"
	storeBadIDs    = "bad_ids"
	storeExceptIDs = "except_ids"
	storeUserIDs   = "user_ids"
	storeConfigs   = "configs"
)

// Broadcaster emits federation broadcasts for mutations that must announce
// newly added facts. Wired after construction to break the share/state cycle.
type Broadcaster interface {
	ShareBadUser(uid int64)
	ShareWatchBanUser(uid int64, until int64)
}

type exceptIDs struct {
	Channels map[int64]bool `msgpack:"channels"`
}

// Service is the State Store: constructed once at process start, loaded from
// durable snapshots, mutated only through its named operations.
type Service struct {
	store        storage.Store
	log          zerolog.Logger
	timeBan      time.Duration
	defaultLimit int

	mu sync.Mutex // guards bc wiring only
	bc Broadcaster

	muBad sync.Mutex
	bad   badIDs

	muExcept sync.Mutex
	except   exceptIDs

	muWatch sync.Mutex
	watch   map[string]map[int64]int64 // scope -> user -> until unix

	muUser sync.Mutex
	users  map[int64]*UserRecord

	muAdmin sync.Mutex
	admins  map[int64]map[int64]bool
	left    map[int64]bool

	muConfig sync.Mutex
	configs  map[int64]GroupConfig

	muDeclared sync.Mutex
	declared   map[int64]map[int64]bool

	muRecorded sync.Mutex
	recorded   map[int64]map[int64]bool
}

// New constructs an empty Service. Call Load before use. defaultLimit is the
// length limit applied to groups without a committed custom config; 0 means
// the built-in default.
func New(store storage.Store, timeBan time.Duration, defaultLimit int, log zerolog.Logger) *Service {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Service{
		store:        store,
		log:          log.With().Str("component", "state").Logger(),
		timeBan:      timeBan,
		defaultLimit: defaultLimit,
		bad:          newBadIDs(),
		except:       exceptIDs{Channels: make(map[int64]bool)},
		watch: map[string]map[int64]int64{
			WatchBan:    make(map[int64]int64),
			WatchDelete: make(map[int64]int64),
		},
		users:    make(map[int64]*UserRecord),
		admins:   make(map[int64]map[int64]bool),
		left:     make(map[int64]bool),
		configs:  make(map[int64]GroupConfig),
		declared: make(map[int64]map[int64]bool),
		recorded: make(map[int64]map[int64]bool),
	}
}

// SetBroadcaster wires the outbound broadcast sink.
func (s *Service) SetBroadcaster(bc Broadcaster) {
	s.mu.Lock()
	s.bc = bc
	s.mu.Unlock()
}

func (s *Service) broadcaster() Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bc
}

// Load restores every named store. A missing snapshot is initialized to its
// default and persisted; a snapshot with no readable copy is fatal.
func (s *Service) Load() error {
	if err := s.loadOne(storeAdminIDs, &s.admins); err != nil {
		return err
	}
	if err := s.loadOne(storeBadIDs, &s.bad); err != nil {
		return err
	}
	if err := s.loadOne(storeExceptIDs, &s.except); err != nil {
		return err
	}
	if err := s.loadOne(storeUserIDs, &s.users); err != nil {
		return err
	}
	if err := s.loadOne(storeConfigs, &s.configs); err != nil {
		return err
	}
	// Snapshot shapes may predate inner-map init.
	if s.bad.Channels == nil {
		s.bad.Channels = make(map[int64]bool)
	}
	if s.bad.Users == nil {
		s.bad.Users = make(map[int64]bool)
	}
	if s.except.Channels == nil {
		s.except.Channels = make(map[int64]bool)
	}
	return nil
}

func (s *Service) loadOne(name string, out any) error {
	err := s.store.Load(name, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		s.log.Info().Str("store", name).Msg("no snapshot, initializing default")
		return s.store.Save(name, out)
	default:
		return fmt.Errorf("load %s: %w", name, err)
	}
}

// save persists one named store. Called with the owning family lock held so
// the snapshot is internally consistent.
func (s *Service) save(name string, v any) {
	if err := s.store.Save(name, v); err != nil {
		s.log.Error().Err(err).Str("store", name).Msg("snapshot write failed")
	}
}

// ---- Bad ids ---------------------------------------------------------------

// ReceiveAddBad applies an add-bad control payload. Channel entries are
// accepted only from MANAGE.
func (s *Service) ReceiveAddBad(sender, kind string, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	switch kind {
	case "user":
		s.muBad.Lock()
		s.bad.Users[id] = true
		s.save(storeBadIDs, s.bad)
		s.muBad.Unlock()
	case "channel":
		if sender != "MANAGE" {
			return nil
		}
		s.muBad.Lock()
		s.bad.Channels[id] = true
		s.save(storeBadIDs, s.bad)
		s.muBad.Unlock()
	default:
		return fmt.Errorf("%w: bad type %q", ErrInvalidPayload, kind)
	}
	return nil
}

// ReceiveRemoveBad removes a bad id. Removing a user cascades: both watch
// scopes are cleared and the user's record resets to the default. Idempotent.
func (s *Service) ReceiveRemoveBad(sender, kind string, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	switch kind {
	case "channel":
		if sender != "MANAGE" {
			return nil
		}
		s.muBad.Lock()
		delete(s.bad.Channels, id)
		s.save(storeBadIDs, s.bad)
		s.muBad.Unlock()
	case "user":
		s.muBad.Lock()
		delete(s.bad.Users, id)
		s.save(storeBadIDs, s.bad)
		s.muBad.Unlock()

		s.muWatch.Lock()
		delete(s.watch[WatchBan], id)
		delete(s.watch[WatchDelete], id)
		s.muWatch.Unlock()

		s.muUser.Lock()
		if _, ok := s.users[id]; ok {
			s.users[id] = NewUserRecord()
			s.save(storeUserIDs, s.users)
		}
		s.muUser.Unlock()
	default:
		return fmt.Errorf("%w: bad type %q", ErrInvalidPayload, kind)
	}
	return nil
}

// MarkBad adds a user to the blacklist from the enforcement path. When the
// user is newly added the fact is broadcast federation-wide.
func (s *Service) MarkBad(uid int64) {
	s.muBad.Lock()
	if s.bad.Users[uid] {
		s.muBad.Unlock()
		return
	}
	s.bad.Users[uid] = true
	s.save(storeBadIDs, s.bad)
	s.muBad.Unlock()

	if bc := s.broadcaster(); bc != nil {
		bc.ShareBadUser(uid)
	}
}

// IsBadUser reports blacklist membership.
func (s *Service) IsBadUser(uid int64) bool {
	s.muBad.Lock()
	defer s.muBad.Unlock()
	return s.bad.Users[uid]
}

// IsBadChannel reports channel blacklist membership.
func (s *Service) IsBadChannel(cid int64) bool {
	s.muBad.Lock()
	defer s.muBad.Unlock()
	return s.bad.Channels[cid]
}

// ---- Except ids ------------------------------------------------------------

// ReceiveAddExcept adds an except entry. Only channel entries are accepted;
// other kinds are silently skipped.
func (s *Service) ReceiveAddExcept(kind string, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if kind != "channel" {
		return nil
	}
	s.muExcept.Lock()
	s.except.Channels[id] = true
	s.save(storeExceptIDs, s.except)
	s.muExcept.Unlock()
	return nil
}

// ReceiveRemoveExcept removes a channel from the except list.
func (s *Service) ReceiveRemoveExcept(kind string, id int64) error {
	if id == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if kind != "channel" {
		return nil
	}
	s.muExcept.Lock()
	delete(s.except.Channels, id)
	s.save(storeExceptIDs, s.except)
	s.muExcept.Unlock()
	return nil
}

// IsExceptChannel reports except-list membership.
func (s *Service) IsExceptChannel(cid int64) bool {
	s.muExcept.Lock()
	defer s.muExcept.Unlock()
	return s.except.Channels[cid]
}

// ---- Watch list ------------------------------------------------------------

// ReceiveWatchUser records a watch entry pushed by a peer.
func (s *Service) ReceiveWatchUser(kind string, uid, until int64) error {
	if uid == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if kind != WatchBan && kind != WatchDelete {
		return fmt.Errorf("%w: watch type %q", ErrInvalidPayload, kind)
	}
	s.muWatch.Lock()
	s.watch[kind][uid] = until
	s.muWatch.Unlock()
	return nil
}

// ReceiveRemoveWatch clears a user's watch entries. Only kind "all" mutates.
func (s *Service) ReceiveRemoveWatch(kind string, uid int64) error {
	if uid == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if kind != "all" {
		return nil
	}
	s.muWatch.Lock()
	delete(s.watch[WatchBan], uid)
	delete(s.watch[WatchDelete], uid)
	s.muWatch.Unlock()
	return nil
}

// WatchActive reports whether uid has a non-expired entry in the given scope.
// Expiry is lazy: entries are compared against now at use-time.
func (s *Service) WatchActive(scope string, uid int64, now time.Time) bool {
	s.muWatch.Lock()
	defer s.muWatch.Unlock()
	until, ok := s.watch[scope][uid]
	return ok && until > now.Unix()
}

// PromoteWatchBan puts uid under ban-watch from the enforcement path. A user
// already actively watched is left alone; a new entry is broadcast.
func (s *Service) PromoteWatchBan(uid int64, now time.Time) {
	s.muWatch.Lock()
	if until, ok := s.watch[WatchBan][uid]; ok && until > now.Unix() {
		s.muWatch.Unlock()
		return
	}
	until := now.Add(s.timeBan).Unix()
	s.watch[WatchBan][uid] = until
	s.muWatch.Unlock()

	if bc := s.broadcaster(); bc != nil {
		bc.ShareWatchBanUser(uid, until)
	}
}

// ---- User records ----------------------------------------------------------

// ReceiveUserScore overwrites one project score for a user, lazily creating
// the record. Last write wins; no cross-member ordering is enforced.
func (s *Service) ReceiveUserScore(project string, uid int64, score float64) error {
	if uid == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if !knownProject(project) {
		return fmt.Errorf("%w: project %q", ErrInvalidPayload, project)
	}
	s.muUser.Lock()
	rec, ok := s.users[uid]
	if !ok {
		rec = NewUserRecord()
		s.users[uid] = rec
	}
	rec.Score[project] = score
	s.save(storeUserIDs, s.users)
	s.muUser.Unlock()
	return nil
}

func knownProject(project string) bool {
	for _, p := range ScoreProjects {
		if p == project {
			return true
		}
	}
	return false
}

// ScoreSum returns the user's combined score across all projects.
func (s *Service) ScoreSum(uid int64) float64 {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	if !ok {
		return 0
	}
	var sum float64
	for _, v := range rec.Score {
		sum += v
	}
	return sum
}

// IsDetected reports whether the user has any detection record, in any group.
func (s *Service) IsDetected(uid int64) bool {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	return ok && len(rec.Detected) > 0
}

// DetectedInGroup reports whether the user already has a detection record in
// the given group.
func (s *Service) DetectedInGroup(gid, uid int64) bool {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	if !ok {
		return false
	}
	_, detected := rec.Detected[gid]
	return detected
}

// AddDetected stamps the user's detection record for the group and reports
// whether the group already had one (first detection => false).
func (s *Service) AddDetected(gid, uid int64, now time.Time) (previously bool) {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	if !ok {
		rec = NewUserRecord()
		s.users[uid] = rec
	}
	_, previously = rec.Detected[gid]
	rec.Detected[gid] = now.Unix()
	s.save(storeUserIDs, s.users)
	return previously
}

// DetectedCount returns the number of groups with a detection for the user.
func (s *Service) DetectedCount(uid int64) int {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	if !ok {
		return 0
	}
	return len(rec.Detected)
}

// UserSnapshot returns a copy of a user's record, or nil when absent.
func (s *Service) UserSnapshot(uid int64) *UserRecord {
	s.muUser.Lock()
	defer s.muUser.Unlock()
	rec, ok := s.users[uid]
	if !ok {
		return nil
	}
	out := NewUserRecord()
	for g, ts := range rec.Detected {
		out.Detected[g] = ts
	}
	for p, v := range rec.Score {
		out.Score[p] = v
	}
	return out
}

// ---- Group membership ------------------------------------------------------

// InitGroup records a group's admin set at initiation time and clears any
// left flag.
func (s *Service) InitGroup(gid int64, adminIDs []int64) error {
	if gid == 0 {
		return fmt.Errorf("%w: missing group id", ErrInvalidPayload)
	}
	set := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		set[id] = true
	}
	s.muAdmin.Lock()
	s.admins[gid] = set
	delete(s.left, gid)
	s.save(storeAdminIDs, s.admins)
	s.muAdmin.Unlock()
	return nil
}

// LeaveGroup drops a group's admin index and flags it left.
func (s *Service) LeaveGroup(gid int64) error {
	if gid == 0 {
		return fmt.Errorf("%w: missing group id", ErrInvalidPayload)
	}
	s.muAdmin.Lock()
	delete(s.admins, gid)
	s.left[gid] = true
	s.save(storeAdminIDs, s.admins)
	s.muAdmin.Unlock()

	s.muDeclared.Lock()
	delete(s.declared, gid)
	s.muDeclared.Unlock()

	s.muRecorded.Lock()
	delete(s.recorded, gid)
	s.muRecorded.Unlock()
	return nil
}

// KnownGroup reports whether this node serves the group.
func (s *Service) KnownGroup(gid int64) bool {
	s.muAdmin.Lock()
	defer s.muAdmin.Unlock()
	return len(s.admins[gid]) > 0
}

// IsAdmin reports group admin membership.
func (s *Service) IsAdmin(gid, uid int64) bool {
	s.muAdmin.Lock()
	defer s.muAdmin.Unlock()
	return s.admins[gid][uid]
}

// Left reports whether the node previously left the group.
func (s *Service) Left(gid int64) bool {
	s.muAdmin.Lock()
	defer s.muAdmin.Unlock()
	return s.left[gid]
}

// ---- Group configs ---------------------------------------------------------

// ReceiveConfigCommit replaces a group's committed config.
func (s *Service) ReceiveConfigCommit(gid int64, cfg GroupConfig) error {
	if gid == 0 {
		return fmt.Errorf("%w: missing group id", ErrInvalidPayload)
	}
	s.muConfig.Lock()
	s.configs[gid] = cfg
	s.save(storeConfigs, s.configs)
	s.muConfig.Unlock()
	return nil
}

// GroupConfig returns the group's effective config, falling back to the
// default set.
func (s *Service) GroupConfig(gid int64) GroupConfig {
	s.muConfig.Lock()
	defer s.muConfig.Unlock()
	cfg, ok := s.configs[gid]
	if !ok || cfg.Default {
		return GroupConfig{Default: true, Lock: 0, Limit: s.defaultLimit}
	}
	return cfg
}

// ---- Declared messages -----------------------------------------------------

// ReceiveDeclaredMessage records that a peer already handled a message. Only
// groups this node serves are tracked.
func (s *Service) ReceiveDeclaredMessage(gid, mid int64) error {
	if gid == 0 || mid == 0 {
		return fmt.Errorf("%w: missing group/message id", ErrInvalidPayload)
	}
	if !s.KnownGroup(gid) {
		return fmt.Errorf("%w: group %d", ErrNotFound, gid)
	}
	s.muDeclared.Lock()
	set, ok := s.declared[gid]
	if !ok {
		set = make(map[int64]bool)
		s.declared[gid] = set
	}
	set[mid] = true
	s.muDeclared.Unlock()
	return nil
}

// DeclareMessage marks a message handled by this node (local variant of
// ReceiveDeclaredMessage, no group gate).
func (s *Service) DeclareMessage(gid, mid int64) {
	s.muDeclared.Lock()
	set, ok := s.declared[gid]
	if !ok {
		set = make(map[int64]bool)
		s.declared[gid] = set
	}
	set[mid] = true
	s.muDeclared.Unlock()
}

// IsDeclared reports whether some federation member already handled the message.
func (s *Service) IsDeclared(gid, mid int64) bool {
	s.muDeclared.Lock()
	defer s.muDeclared.Unlock()
	return s.declared[gid][mid]
}

// ---- Recorded ids (epoch dedupe) -------------------------------------------

// IsRecorded reports whether the user was already evidence-forwarded in the
// group during the current epoch.
func (s *Service) IsRecorded(gid, uid int64) bool {
	s.muRecorded.Lock()
	defer s.muRecorded.Unlock()
	return s.recorded[gid][uid]
}

// Record adds the user to the group's current-epoch recorded set.
func (s *Service) Record(gid, uid int64) {
	s.muRecorded.Lock()
	set, ok := s.recorded[gid]
	if !ok {
		set = make(map[int64]bool)
		s.recorded[gid] = set
	}
	set[uid] = true
	s.muRecorded.Unlock()
}

// ResetEpoch clears every group's recorded set, starting a new dedupe epoch.
func (s *Service) ResetEpoch() {
	s.muRecorded.Lock()
	s.recorded = make(map[int64]map[int64]bool)
	s.muRecorded.Unlock()
}
