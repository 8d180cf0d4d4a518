// Package memdriver provides an in-process platform binding. Outbound bus
// publishes loop back to the control stream and platform actions are logged,
// which makes a single node fully runnable without external services. Import
// for side effects:
//
//	import _ "github.com/SDGBots/scp-079-long/internal/platform/memdriver"
package memdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SDGBots/scp-079-long/internal/config"
	"github.com/SDGBots/scp-079-long/internal/engine"
	"github.com/SDGBots/scp-079-long/internal/platform"
	"github.com/rs/zerolog"
)

func init() {
	platform.Register("memory", open)
}

const queueDepth = 256

type driver struct {
	log zerolog.Logger

	control   chan platform.BusMessage
	emergency chan platform.BusMessage
	chat      chan engine.ChatMessage
	events    chan platform.GroupEvent

	closeOnce sync.Once
	closed    chan struct{}

	evidenceSeq atomic.Int64
}

func open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*platform.Binding, error) {
	d := &driver{
		log:       log.With().Str("component", "memdriver").Logger(),
		control:   make(chan platform.BusMessage, queueDepth),
		emergency: make(chan platform.BusMessage, queueDepth),
		chat:      make(chan engine.ChatMessage, queueDepth),
		events:    make(chan platform.GroupEvent, queueDepth),
		closed:    make(chan struct{}),
	}
	return &platform.Binding{
		Platform: d,
		Evidence: d,
		Outbound: d,
		Source: platform.Source{
			Control:   d.control,
			Emergency: d.emergency,
			Chat:      d.chat,
			Events:    d.events,
		},
		Close: d.close,
	}, nil
}

func (d *driver) close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		close(d.control)
		close(d.emergency)
		close(d.chat)
		close(d.events)
	})
	return nil
}

// InjectChat feeds a chat message into the node, for harnesses driving the
// loopback binding directly.
func (d *driver) InjectChat(msg engine.ChatMessage) {
	select {
	case <-d.closed:
	case d.chat <- msg:
	}
}

// --- platform.Bus ------------------------------------------------------------

// Publish loops the payload back to this node's own control stream.
func (d *driver) Publish(payload []byte) error {
	select {
	case <-d.closed:
		return fmt.Errorf("binding closed")
	case d.control <- platform.BusMessage{Raw: payload}:
		return nil
	default:
		return fmt.Errorf("loopback control queue full")
	}
}

// --- platform.Platform -------------------------------------------------------

func (d *driver) BanUser(ctx context.Context, gid, uid int64) error {
	d.log.Info().Int64("group", gid).Int64("user", uid).Msg("ban")
	return nil
}

func (d *driver) DeleteMessage(ctx context.Context, gid, mid int64) error {
	d.log.Info().Int64("group", gid).Int64("message", mid).Msg("delete")
	return nil
}

func (d *driver) SendMessage(ctx context.Context, chatID int64, text string) error {
	d.log.Info().Int64("chat", chatID).Str("text", text).Msg("send")
	return nil
}

func (d *driver) GroupAdmins(ctx context.Context, gid int64) ([]int64, error) {
	return nil, nil
}

func (d *driver) LeaveGroup(ctx context.Context, gid int64) error {
	d.log.Info().Int64("group", gid).Msg("leave")
	return nil
}

// --- engine.Evidence ---------------------------------------------------------

func (d *driver) Forward(ctx context.Context, msg engine.ChatMessage, level, rule, extra string) (string, error) {
	ref := fmt.Sprintf("mem-%d", d.evidenceSeq.Add(1))
	d.log.Info().Str("ref", ref).Str("level", level).Str("rule", rule).
		Int64("group", msg.GroupID).Int64("message", msg.MessageID).Msg("evidence")
	return ref, nil
}
