// Package router is the authorization boundary of the federation: a static
// table keyed by (sender identity, action, type) decides whether this node
// accepts an inbound control envelope and which state mutation it triggers.
// The table is part of the wire contract; changing which combinations exist
// is a protocol-breaking change.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/SDGBots/scp-079-long/internal/codec"
	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/SDGBots/scp-079-long/internal/state"
	"github.com/SDGBots/scp-079-long/internal/words"
	"github.com/rs/zerolog"
)

// Deps are the collaborators router handlers mutate or call into.
type Deps struct {
	State *state.Service
	Words *words.Registry
	Codec *codec.Codec

	// ConfigReply posts the settings link back to the group. Best-effort.
	ConfigReply func(gid, uid int64, link string)
	// LeaveApprove executes an approved group leave. Best-effort.
	LeaveApprove func(adminID, gid int64, reason string)
}

type opKey struct {
	sender string
	action string
	typ    string
}

type handler func(env *codec.Envelope, blobPath string) error

// Router holds the permission matrix for one node identity.
type Router struct {
	self  string
	deps  Deps
	table map[opKey]handler
	log   zerolog.Logger
}

// New builds the matrix. The (sender, action, type) combinations registered
// here mirror the federation dispatch contract exactly.
func New(self string, deps Deps, log zerolog.Logger) *Router {
	r := &Router{
		self: self,
		deps: deps,
		log:  log.With().Str("component", "router").Logger(),
	}
	t := make(map[opKey]handler)

	// Sibling moderation bots share bad ids, watches, declares and scores.
	for _, sender := range []string{"CLEAN", "LANG", "LONG", "NOFLOOD", "NOSPAM", "RECHECK"} {
		t[opKey{sender, "add", "bad"}] = r.receiveAddBad
		t[opKey{sender, "add", "watch"}] = r.receiveWatchUser
		t[opKey{sender, "update", "declare"}] = r.receiveDeclaredMessage
		t[opKey{sender, "update", "score"}] = r.receiveUserScore
	}

	t[opKey{"CAPTCHA", "update", "score"}] = r.receiveUserScore

	t[opKey{"CONFIG", "config", "commit"}] = r.receiveConfigCommit
	t[opKey{"CONFIG", "config", "reply"}] = r.receiveConfigReply

	t[opKey{"MANAGE", "add", "bad"}] = r.receiveAddBad
	t[opKey{"MANAGE", "add", "except"}] = r.receiveAddExcept
	t[opKey{"MANAGE", "leave", "approve"}] = r.receiveLeaveApprove
	t[opKey{"MANAGE", "remove", "bad"}] = r.receiveRemoveBad
	t[opKey{"MANAGE", "remove", "except"}] = r.receiveRemoveExcept
	t[opKey{"MANAGE", "remove", "watch"}] = r.receiveRemoveWatch

	t[opKey{"REGEX", "update", "download"}] = r.receiveRegex

	t[opKey{"USER", "remove", "bad"}] = r.receiveRemoveBad

	t[opKey{"WARN", "update", "score"}] = r.receiveUserScore

	t[opKey{"WATCH", "add", "watch"}] = r.receiveWatchUser

	r.table = t
	return r
}

// Route applies an inbound envelope. Returns true only when a registered
// handler ran successfully. Envelopes not addressed to this node, or from
// unauthorized (sender, action, type) combinations, are silently ignored.
func (r *Router) Route(env *codec.Envelope, blobPath string) bool {
	if !contains(env.To, r.self) {
		metrics.EnvelopesIgnored.WithLabelValues("not_receiver").Inc()
		return false
	}
	h, ok := r.table[opKey{env.From, env.Action, env.Type}]
	if !ok {
		metrics.EnvelopesIgnored.WithLabelValues("unauthorized").Inc()
		return false
	}
	if err := h(env, blobPath); err != nil {
		metrics.EnvelopesIgnored.WithLabelValues("invalid_payload").Inc()
		r.log.Warn().Err(err).Str("sender", env.From).Str("action", env.Action).
			Str("type", env.Type).Msg("control payload rejected")
		return false
	}
	metrics.EnvelopesRouted.WithLabelValues(env.From, env.Action, env.Type).Inc()
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ---- Payload shapes --------------------------------------------------------

type idPayload struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type watchPayload struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Until string `json:"until"`
}

type configCommitPayload struct {
	GroupID int64              `json:"group_id"`
	Config  *state.GroupConfig `json:"config"`
}

type configReplyPayload struct {
	GroupID    int64  `json:"group_id"`
	UserID     int64  `json:"user_id"`
	ConfigLink string `json:"config_link"`
}

type declarePayload struct {
	GroupID   int64 `json:"group_id"`
	MessageID int64 `json:"message_id"`
}

type scorePayload struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

type leaveApprovePayload struct {
	AdminID int64  `json:"admin_id"`
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason"`
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty data", state.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", state.ErrInvalidPayload, err)
	}
	return nil
}

// ---- Handlers --------------------------------------------------------------

func (r *Router) receiveAddBad(env *codec.Envelope, _ string) error {
	var p idPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveAddBad(env.From, p.Type, p.ID)
}

func (r *Router) receiveRemoveBad(env *codec.Envelope, _ string) error {
	var p idPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveRemoveBad(env.From, p.Type, p.ID)
}

func (r *Router) receiveAddExcept(env *codec.Envelope, _ string) error {
	var p idPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveAddExcept(p.Type, p.ID)
}

func (r *Router) receiveRemoveExcept(env *codec.Envelope, _ string) error {
	var p idPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveRemoveExcept(p.Type, p.ID)
}

// receiveWatchUser decrypts the shared-key-sealed expiry before applying.
func (r *Router) receiveWatchUser(env *codec.Envelope, _ string) error {
	var p watchPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	plain, err := r.deps.Codec.DecryptString(p.Until)
	if err != nil {
		return fmt.Errorf("%w: until: %v", state.ErrInvalidPayload, err)
	}
	until, err := strconv.ParseInt(plain, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: until %q", state.ErrInvalidPayload, plain)
	}
	return r.deps.State.ReceiveWatchUser(p.Type, p.ID, until)
}

func (r *Router) receiveRemoveWatch(env *codec.Envelope, _ string) error {
	var p idPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveRemoveWatch(p.Type, p.ID)
}

func (r *Router) receiveConfigCommit(env *codec.Envelope, _ string) error {
	var p configCommitPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	if p.Config == nil {
		return fmt.Errorf("%w: missing config", state.ErrInvalidPayload)
	}
	return r.deps.State.ReceiveConfigCommit(p.GroupID, *p.Config)
}

func (r *Router) receiveConfigReply(env *codec.Envelope, _ string) error {
	var p configReplyPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	if p.GroupID == 0 || p.ConfigLink == "" {
		return fmt.Errorf("%w: missing group/link", state.ErrInvalidPayload)
	}
	if r.deps.ConfigReply != nil {
		r.deps.ConfigReply(p.GroupID, p.UserID, p.ConfigLink)
	}
	return nil
}

func (r *Router) receiveDeclaredMessage(env *codec.Envelope, _ string) error {
	var p declarePayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	err := r.deps.State.ReceiveDeclaredMessage(p.GroupID, p.MessageID)
	if errors.Is(err, state.ErrNotFound) {
		// Declares for groups this node does not serve are uninteresting.
		return nil
	}
	return err
}

// receiveUserScore writes the sending project's own score key.
func (r *Router) receiveUserScore(env *codec.Envelope, _ string) error {
	var p scorePayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	return r.deps.State.ReceiveUserScore(strings.ToLower(env.From), p.ID, p.Score)
}

func (r *Router) receiveLeaveApprove(env *codec.Envelope, _ string) error {
	var p leaveApprovePayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	if p.GroupID == 0 {
		return fmt.Errorf("%w: missing group id", state.ErrInvalidPayload)
	}
	if r.deps.LeaveApprove != nil {
		r.deps.LeaveApprove(p.AdminID, p.GroupID, p.Reason)
	}
	return nil
}

// receiveRegex reconciles the named word table against the pushed list
// delivered as an encrypted out-of-band blob.
func (r *Router) receiveRegex(env *codec.Envelope, blobPath string) error {
	var name string
	if err := decode(env.Data, &name); err != nil {
		return err
	}
	table, err := r.deps.Words.Get(name)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrInvalidPayload, err)
	}
	if blobPath == "" {
		return fmt.Errorf("%w: missing word list blob", state.ErrInvalidPayload)
	}
	var pushed []string
	if err := r.deps.Codec.ReadBlob(blobPath, true, &pushed); err != nil {
		return fmt.Errorf("%w: word list: %v", state.ErrInvalidPayload, err)
	}
	table.Reconcile(pushed)
	return nil
}
