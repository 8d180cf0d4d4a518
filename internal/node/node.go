// Package node wires the moderation runtime: inbound exchange loops, the chat
// enforcement loop, group lifecycle events, the deferred-action worker pool,
// the epoch-reset schedule, and the metrics/health servers.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/SDGBots/scp-079-long/internal/codec"
	"github.com/SDGBots/scp-079-long/internal/config"
	"github.com/SDGBots/scp-079-long/internal/engine"
	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/SDGBots/scp-079-long/internal/platform"
	"github.com/SDGBots/scp-079-long/internal/pool"
	"github.com/SDGBots/scp-079-long/internal/router"
	"github.com/SDGBots/scp-079-long/internal/share"
	"github.com/SDGBots/scp-079-long/internal/state"
	"github.com/SDGBots/scp-079-long/internal/storage"
	"github.com/SDGBots/scp-079-long/internal/words"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Node is the fully wired moderation runtime for one federation identity.
type Node struct {
	cfg     *config.Config
	store   storage.Store
	st      *state.Service
	words   *words.Registry
	codec   *codec.Codec
	router  *router.Router
	engine  *engine.Engine
	sharer  *share.Sharer
	pool    *pool.Pool
	binding *platform.Binding
	limiter *rate.Limiter
	cron    *cron.Cron
	log     zerolog.Logger

	// hidden is the emergency-channel flag: siblings have reported the
	// primary exchange compromised. Transport bindings consult it to pick
	// the fallback channel.
	hidden atomic.Bool
}

// New wires all components over an opened storage and platform binding.
func New(cfg *config.Config, store storage.Store, binding *platform.Binding, log zerolog.Logger) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		store:   store,
		binding: binding,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRate), cfg.RateLimitBurst),
		log:     log.With().Str("component", "node").Logger(),
	}

	n.st = state.New(store, cfg.TimeBan, cfg.DefaultLimit, log)
	if err := n.st.Load(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	var err error
	n.words, err = words.NewRegistry(store, cfg.WordTables, log)
	if err != nil {
		return nil, fmt.Errorf("load word tables: %w", err)
	}

	n.codec = codec.New(cfg.Key(), log)

	n.pool, err = pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, n.handleJob, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	n.sharer = share.New(cfg.ProjectName, n.codec, poolPublisher{n}, log)
	n.st.SetBroadcaster(n.sharer)

	n.engine = engine.New(n.st, n.words, poolActions{n}, binding.Evidence, n.sharer, engine.Config{
		ScoreThreshold: cfg.ScoreThreshold,
		BotIDs:         cfg.BotIDs,
		NicknameTable:  cfg.WordTables[0],
	}, log)

	n.router = router.New(cfg.ProjectName, router.Deps{
		State:        n.st,
		Words:        n.words,
		Codec:        n.codec,
		ConfigReply:  n.configReply,
		LeaveApprove: n.leaveApprove,
	}, log)

	n.cron = cron.New()
	if _, err := n.cron.AddFunc(cfg.EpochResetCron, n.resetEpoch); err != nil {
		return nil, fmt.Errorf("schedule epoch reset: %w", err)
	}

	return n, nil
}

// State exposes the state service for command handlers.
func (n *Node) State() *state.Service { return n.st }

// Hidden reports whether the emergency hide flag is set.
func (n *Node) Hidden() bool { return n.hidden.Load() }

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	n.pool.Start(gctx)
	n.cron.Start()

	g.Go(func() error { return n.controlLoop(gctx) })
	g.Go(func() error { return n.emergencyLoop(gctx) })
	g.Go(func() error { return n.chatLoop(gctx) })
	g.Go(func() error { return n.eventLoop(gctx) })

	if n.cfg.MetricsEnabled {
		g.Go(func() error { return n.serveMetrics(gctx) })
	}
	g.Go(func() error { return n.serveHealth(gctx) })

	err := g.Wait()

	<-n.cron.Stop().Done()
	n.pool.Stop()
	if n.binding.Close != nil {
		if cerr := n.binding.Close(); cerr != nil {
			n.log.Warn().Err(cerr).Msg("binding close failed")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ---- Inbound loops ---------------------------------------------------------

// controlLoop decodes and routes exchange-bus envelopes.
func (n *Node) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-n.binding.Source.Control:
			if !ok {
				return fmt.Errorf("control stream closed")
			}
			n.handleBusMessage(m, false)
		}
	}
}

// emergencyLoop serves the fallback hide channel. Only hide toggles are
// honored there; everything else is ignored.
func (n *Node) emergencyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-n.binding.Source.Emergency:
			if !ok {
				return fmt.Errorf("emergency stream closed")
			}
			n.handleBusMessage(m, true)
		}
	}
}

func (n *Node) handleBusMessage(m platform.BusMessage, emergencyOnly bool) {
	// Blobs referenced by rejected or non-blob envelopes must not linger.
	defer func() {
		if m.BlobPath != "" {
			if err := os.Remove(m.BlobPath); err != nil && !os.IsNotExist(err) {
				n.log.Warn().Err(err).Str("path", m.BlobPath).Msg("stale blob cleanup failed")
			}
		}
	}()

	env, err := n.codec.Decode(m.Raw)
	if err != nil {
		metrics.DecodeErrors.Inc()
		n.log.Warn().Err(err).Msg("malformed exchange message")
		return
	}

	if env.Action == "backup" && env.Type == "hide" {
		n.handleHide(env)
		return
	}
	if emergencyOnly {
		metrics.EnvelopesIgnored.WithLabelValues("emergency_only").Inc()
		return
	}
	n.router.Route(env, m.BlobPath)
}

// handleHide toggles the emergency flag. Raising it is accepted from any
// member addressed to EMERGENCY; lowering it takes a MANAGE order.
func (n *Node) handleHide(env *codec.Envelope) {
	addressed := false
	for _, to := range env.To {
		if to == "EMERGENCY" {
			addressed = true
			break
		}
	}
	if !addressed {
		metrics.EnvelopesIgnored.WithLabelValues("unauthorized").Inc()
		return
	}

	var hide bool
	if err := json.Unmarshal(env.Data, &hide); err != nil {
		metrics.EnvelopesIgnored.WithLabelValues("invalid_payload").Inc()
		return
	}
	if !hide && env.From != "MANAGE" {
		metrics.EnvelopesIgnored.WithLabelValues("unauthorized").Inc()
		return
	}

	n.hidden.Store(hide)
	metrics.EnvelopesRouted.WithLabelValues(env.From, env.Action, env.Type).Inc()
	n.log.Warn().Bool("hidden", hide).Str("sender", env.From).Msg("emergency hide flag changed")
}

// chatLoop feeds served-group messages to the enforcement engine.
func (n *Node) chatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-n.binding.Source.Chat:
			if !ok {
				return fmt.Errorf("chat stream closed")
			}
			if !n.st.KnownGroup(msg.GroupID) || n.st.Left(msg.GroupID) {
				continue
			}
			n.engine.Process(ctx, msg)
		}
	}
}

// eventLoop handles group joins: invitations from the USER bot initiate the
// group, anything else is declined.
func (n *Node) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-n.binding.Source.Events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			n.handleGroupJoined(ctx, ev)
		}
	}
}

func (n *Node) handleGroupJoined(ctx context.Context, ev platform.GroupEvent) {
	if ev.InviterID == n.cfg.UserBotID {
		admins, err := n.binding.Platform.GroupAdmins(ctx, ev.GroupID)
		if err != nil {
			n.log.Error().Err(err).Int64("group", ev.GroupID).Msg("admin enumeration failed")
			return
		}
		if err := n.st.InitGroup(ev.GroupID, admins); err != nil {
			n.log.Error().Err(err).Int64("group", ev.GroupID).Msg("group init failed")
			return
		}
		n.log.Info().Int64("group", ev.GroupID).Int("admins", len(admins)).Msg("group initiated")
		return
	}

	// Unsanctioned invite: leave and report.
	if err := n.st.LeaveGroup(ev.GroupID); err != nil {
		n.log.Error().Err(err).Int64("group", ev.GroupID).Msg("leave bookkeeping failed")
	}
	n.enqueue(pool.Job{Kind: pool.KindLeave, GroupID: ev.GroupID})
	n.debug(fmt.Sprintf("action: auto leave\ngroup: %d\ninviter: %d", ev.GroupID, ev.InviterID))
	n.log.Warn().Int64("group", ev.GroupID).Int64("inviter", ev.InviterID).
		Msg("left group: invite not from user bot")
}

// ---- Router callbacks ------------------------------------------------------

func (n *Node) configReply(gid, uid int64, link string) {
	text := fmt.Sprintf("settings: %s\nrequested by: %d", link, uid)
	n.enqueue(pool.Job{Kind: pool.KindSend, GroupID: gid, Text: text})
}

func (n *Node) leaveApprove(adminID, gid int64, reason string) {
	if err := n.st.LeaveGroup(gid); err != nil {
		n.log.Error().Err(err).Int64("group", gid).Msg("leave bookkeeping failed")
		return
	}
	n.enqueue(pool.Job{Kind: pool.KindLeave, GroupID: gid})
	n.debug(fmt.Sprintf("action: approved leave\ngroup: %d\nadmin: %d\nreason: %s", gid, adminID, reason))
}

// ---- Pool plumbing ---------------------------------------------------------

func (n *Node) enqueue(job pool.Job) {
	n.pool.Enqueue(job)
}

func (n *Node) debug(text string) {
	if n.cfg.DebugChannelID == 0 {
		return
	}
	n.enqueue(pool.Job{Kind: pool.KindSend, GroupID: n.cfg.DebugChannelID, Text: text})
}

// handleJob executes one deferred action. Platform calls go through the
// shared rate gate; bus publishes do not compete with them.
func (n *Node) handleJob(ctx context.Context, job pool.Job) error {
	if job.Kind != pool.KindPublish {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	switch job.Kind {
	case pool.KindBan:
		return n.binding.Platform.BanUser(ctx, job.GroupID, job.UserID)
	case pool.KindDelete:
		return n.binding.Platform.DeleteMessage(ctx, job.GroupID, job.MessageID)
	case pool.KindSend:
		return n.binding.Platform.SendMessage(ctx, job.GroupID, job.Text)
	case pool.KindLeave:
		return n.binding.Platform.LeaveGroup(ctx, job.GroupID)
	case pool.KindPublish:
		return n.binding.Outbound.Publish(job.Raw)
	default:
		n.log.Error().Str("kind", job.Kind).Msg("unknown job kind")
		return nil
	}
}

// poolActions adapts the pool to the engine's fire-and-forget action surface.
type poolActions struct{ n *Node }

func (a poolActions) Ban(gid, uid int64) {
	a.n.enqueue(pool.Job{Kind: pool.KindBan, GroupID: gid, UserID: uid})
}

func (a poolActions) Delete(gid, mid int64) {
	a.n.enqueue(pool.Job{Kind: pool.KindDelete, GroupID: gid, MessageID: mid})
}

func (a poolActions) SendDebug(action string, gid, uid, mid int64, evidence string) {
	a.n.debug(fmt.Sprintf("action: %s\ngroup: %d\nuser: %d\nmessage: %d\nevidence: %s",
		action, gid, uid, mid, evidence))
}

// poolPublisher adapts the pool to the outbound broadcast surface.
type poolPublisher struct{ n *Node }

func (p poolPublisher) Publish(payload []byte) error {
	if !p.n.pool.Enqueue(pool.Job{Kind: pool.KindPublish, Raw: payload}) {
		return fmt.Errorf("publish queue full")
	}
	return nil
}

// ---- Schedules and servers -------------------------------------------------

// resetEpoch starts a new evidence-dedupe epoch.
func (n *Node) resetEpoch() {
	n.st.ResetEpoch()
	metrics.EpochResets.Inc()
	if size, err := n.store.SizeBytes(); err == nil {
		metrics.DBSizeBytes.Set(float64(size))
	}
	n.log.Info().Msg("recorded-id epoch reset")
}

// serveMetrics runs the Prometheus HTTP server.
func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    n.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	n.log.Info().Str("addr", n.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint.
func (n *Node) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := n.store.SizeBytes(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    n.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	n.log.Info().Str("addr", n.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
