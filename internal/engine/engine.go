// Package engine implements the enforcement decision chain applied to every
// over-long group message. The chain is ordered strictest-first: the first
// branch whose condition holds decides the outcome, and every effectful
// branch is gated on a successful evidence forward. No evidence, no action.
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/SDGBots/scp-079-long/internal/state"
	"github.com/SDGBots/scp-079-long/internal/words"
	"github.com/rs/zerolog"
)

// ChatMessage is one inbound group message, reduced to what enforcement needs.
type ChatMessage struct {
	GroupID   int64
	MessageID int64
	UserID    int64
	UserName  string // sender's full display name
	Text      string
	// FromChannelID is the forward-origin channel, 0 when not forwarded.
	FromChannelID int64
}

// Actions performs platform side effects. Implementations are asynchronous
// and best-effort; enforcement never blocks on them.
type Actions interface {
	Ban(gid, uid int64)
	Delete(gid, mid int64)
	SendDebug(action string, gid, uid, mid int64, evidence string)
}

// Evidence preserves the offending message before any destructive action.
// Forward returns an opaque reference to the preserved copy.
type Evidence interface {
	Forward(ctx context.Context, msg ChatMessage, level, rule, extra string) (string, error)
}

// Sharer publishes the federation broadcasts enforcement produces.
type Sharer interface {
	DeclareMessage(gid, mid int64)
	UpdateScore(uid int64, score float64)
	AskForHelp(gid, uid int64, helpType, deleteScope string)
}

// Outcome labels, used for logs and metrics.
const (
	OutcomeNicknameBan = "nickname_ban"
	OutcomeWatchBan    = "watch_ban"
	OutcomeScoreBan    = "score_ban"
	OutcomeWatchDelete = "watch_delete"
	OutcomeDetected    = "detected"
	OutcomeRecorded    = "recorded"
	OutcomeAutoDelete  = "auto_delete"
	OutcomeExempt      = "exempt"
	OutcomeSkipped     = "skipped"
)

// Evidence levels and rules.
const (
	levelAutoBan    = "auto ban"
	levelAutoDelete = "auto delete"

	ruleNickname   = "user nickname"
	ruleWatchUser  = "watched user"
	ruleUserScore  = "user score"
	ruleGlobalRule = "global rule"
)

// scorePerDetection and scoreCap shape this project's contribution to a
// user's federation score: 0.6 per group with a detection, capped at 3.0.
const (
	scorePerDetection = 0.6
	scoreCap          = 3.0
)

// Config carries the enforcement knobs fixed at startup.
type Config struct {
	// ScoreThreshold is the combined federation score at which a user is
	// banned outright.
	ScoreThreshold float64
	// BotIDs are sibling federation bot accounts, always exempt.
	BotIDs []int64
	// NicknameTable names the word table matched against sender names.
	NicknameTable string
}

// Engine runs the enforcement chain.
type Engine struct {
	st       *state.Service
	words    *words.Registry
	actions  Actions
	evidence Evidence
	sharer   Sharer
	cfg      Config
	bots     map[int64]bool

	// Normalize canonicalizes names before word matching. Identity unless a
	// script-normalization step is wired in.
	Normalize func(string) string
	Now       func() time.Time

	log zerolog.Logger
}

// New builds an Engine over the given collaborators.
func New(st *state.Service, w *words.Registry, actions Actions, evidence Evidence,
	sharer Sharer, cfg Config, log zerolog.Logger) *Engine {
	bots := make(map[int64]bool, len(cfg.BotIDs))
	for _, id := range cfg.BotIDs {
		bots[id] = true
	}
	if cfg.NicknameTable == "" {
		cfg.NicknameTable = "wb"
	}
	return &Engine{
		st:        st,
		words:     w,
		actions:   actions,
		evidence:  evidence,
		sharer:    sharer,
		cfg:       cfg,
		bots:      bots,
		Normalize: func(s string) string { return s },
		Now:       time.Now,
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// ExceedsLimit reports whether text is over the group's configured length
// limit. Length is counted in runes; a message exactly at the limit passes.
func (e *Engine) ExceedsLimit(gid int64, text string) bool {
	return len([]rune(text)) > e.st.GroupConfig(gid).Limit
}

// Exempt reports whether the message is out of enforcement scope: sender is a
// group admin or a federation bot, already blacklisted (someone else's
// problem), forwarded from a whitelisted or blacklisted channel, or already
// declared handled by a sibling.
func (e *Engine) Exempt(msg ChatMessage) bool {
	switch {
	case e.st.IsAdmin(msg.GroupID, msg.UserID):
		return true
	case e.bots[msg.UserID]:
		return true
	case e.st.IsBadUser(msg.UserID):
		return true
	case msg.FromChannelID != 0 && e.st.IsExceptChannel(msg.FromChannelID):
		return true
	case msg.FromChannelID != 0 && e.st.IsBadChannel(msg.FromChannelID):
		return true
	case e.st.IsDeclared(msg.GroupID, msg.MessageID):
		return true
	}
	return false
}

// Process applies the full chain to one message and returns the outcome label.
// The caller guarantees the group is served by this node.
func (e *Engine) Process(ctx context.Context, msg ChatMessage) string {
	metrics.MessagesChecked.Inc()

	if !e.ExceedsLimit(msg.GroupID, msg.Text) {
		return OutcomeSkipped
	}
	if e.Exempt(msg) {
		metrics.Enforcements.WithLabelValues(OutcomeExempt).Inc()
		return OutcomeExempt
	}

	outcome := e.terminate(ctx, msg)
	metrics.Enforcements.WithLabelValues(outcome).Inc()
	e.log.Info().Str("outcome", outcome).Int64("group", msg.GroupID).
		Int64("user", msg.UserID).Int64("message", msg.MessageID).
		Msg("message terminated")
	return outcome
}

// terminate walks the branch chain. Order matters: ban branches before delete
// branches, tracked users before untracked.
func (e *Engine) terminate(ctx context.Context, msg ChatMessage) string {
	now := e.Now()
	gid, uid, mid := msg.GroupID, msg.UserID, msg.MessageID

	nick, nickErr := e.words.Get(e.cfg.NicknameTable)

	switch {
	case nickErr == nil && nick.Match(e.Normalize(msg.UserName)):
		ref, ok := e.forward(ctx, msg, levelAutoBan, ruleNickname, "")
		if !ok {
			return OutcomeSkipped
		}
		e.ban(gid, uid, mid)
		e.actions.SendDebug("nickname ban", gid, uid, mid, ref)
		return OutcomeNicknameBan

	case e.st.WatchActive(state.WatchBan, uid, now):
		ref, ok := e.forward(ctx, msg, levelAutoBan, ruleWatchUser, "")
		if !ok {
			return OutcomeSkipped
		}
		e.ban(gid, uid, mid)
		e.actions.SendDebug("watch ban", gid, uid, mid, ref)
		return OutcomeWatchBan

	case e.st.ScoreSum(uid) >= e.cfg.ScoreThreshold:
		ref, ok := e.forward(ctx, msg, levelAutoBan, ruleUserScore,
			formatScore(e.st.ScoreSum(uid)))
		if !ok {
			return OutcomeSkipped
		}
		e.ban(gid, uid, mid)
		e.actions.SendDebug("score ban", gid, uid, mid, ref)
		return OutcomeScoreBan

	case e.st.WatchActive(state.WatchDelete, uid, now):
		ref, ok := e.forward(ctx, msg, levelAutoDelete, ruleWatchUser, "")
		if !ok {
			return OutcomeSkipped
		}
		e.st.PromoteWatchBan(uid, now)
		e.deleteAndDeclare(gid, mid)
		e.sharer.AskForHelp(gid, uid, "delete", "global")
		e.detect(gid, uid, now)
		e.actions.SendDebug("watch delete", gid, uid, mid, ref)
		return OutcomeWatchDelete

	case e.st.DetectedInGroup(gid, uid):
		e.actions.Delete(gid, mid)
		e.st.AddDetected(gid, uid, now)
		e.sharer.DeclareMessage(gid, mid)
		return OutcomeDetected

	case e.st.IsRecorded(gid, uid):
		e.actions.Delete(gid, mid)
		e.st.AddDetected(gid, uid, now)
		e.sharer.DeclareMessage(gid, mid)
		return OutcomeRecorded

	default:
		ref, ok := e.forward(ctx, msg, levelAutoDelete, ruleGlobalRule, "")
		if !ok {
			return OutcomeSkipped
		}
		e.st.Record(gid, uid)
		e.deleteAndDeclare(gid, mid)
		e.detect(gid, uid, now)
		e.actions.SendDebug("auto delete", gid, uid, mid, ref)
		return OutcomeAutoDelete
	}
}

// forward preserves evidence. A failed forward suppresses the whole branch.
func (e *Engine) forward(ctx context.Context, msg ChatMessage, level, rule, extra string) (string, bool) {
	ref, err := e.evidence.Forward(ctx, msg, level, rule, extra)
	if err != nil || ref == "" {
		metrics.EvidenceForwards.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Int64("group", msg.GroupID).Int64("message", msg.MessageID).
			Msg("evidence forward failed, enforcement suppressed")
		return "", false
	}
	metrics.EvidenceForwards.WithLabelValues("ok").Inc()
	return ref, true
}

// ban runs the common ban-branch effects: blacklist, kick, delete, declare,
// and a federation-wide ban request.
func (e *Engine) ban(gid, uid, mid int64) {
	e.st.MarkBad(uid)
	e.actions.Ban(gid, uid)
	e.deleteAndDeclare(gid, mid)
	e.sharer.AskForHelp(gid, uid, "ban", "")
}

func (e *Engine) deleteAndDeclare(gid, mid int64) {
	e.actions.Delete(gid, mid)
	e.st.DeclareMessage(gid, mid)
	e.sharer.DeclareMessage(gid, mid)
}

// detect stamps the detection record and, on the user's first detection in
// this group, publishes the recomputed score.
func (e *Engine) detect(gid, uid int64, now time.Time) {
	previously := e.st.AddDetected(gid, uid, now)
	if !previously {
		e.sharer.UpdateScore(uid, e.Score(uid))
	}
}

// Score is this project's score for the user: a fixed amount per group with a
// detection, capped.
func (e *Engine) Score(uid int64) float64 {
	score := float64(e.st.DetectedCount(uid)) * scorePerDetection
	if score > scoreCap {
		score = scoreCap
	}
	return score
}

func formatScore(score float64) string {
	return "score " + strconv.FormatFloat(score, 'f', 1, 64)
}
