// Package platform defines the binding between the moderation node and a
// concrete chat platform plus exchange bus. Bindings register themselves by
// driver name; the node opens the configured one at startup and stays
// transport-agnostic.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/SDGBots/scp-079-long/internal/config"
	"github.com/SDGBots/scp-079-long/internal/engine"
	"github.com/rs/zerolog"
)

// BusMessage is one raw inbound message from an exchange channel. BlobPath,
// when set, points to a detached payload file the consumer must clean up.
type BusMessage struct {
	Raw      []byte
	BlobPath string
}

// GroupEvent reports a group membership change involving this bot.
type GroupEvent struct {
	GroupID   int64
	InviterID int64
}

// Source is the set of inbound streams a binding produces. Channels close
// when the binding shuts down.
type Source struct {
	// Control carries exchange-bus control envelopes.
	Control <-chan BusMessage
	// Emergency carries the fallback hide-channel envelopes.
	Emergency <-chan BusMessage
	// Chat carries group messages to check.
	Chat <-chan engine.ChatMessage
	// Events carries group joins.
	Events <-chan GroupEvent
}

// Bus is the outbound side of the exchange channel.
type Bus interface {
	Publish(payload []byte) error
}

// Platform is the chat-platform action surface. All calls are synchronous;
// retry and rate limiting happen above this interface.
type Platform interface {
	BanUser(ctx context.Context, gid, uid int64) error
	DeleteMessage(ctx context.Context, gid, mid int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
	GroupAdmins(ctx context.Context, gid int64) ([]int64, error)
	LeaveGroup(ctx context.Context, gid int64) error
}

// Binding bundles everything one driver provides.
type Binding struct {
	Platform Platform
	Evidence engine.Evidence
	Outbound Bus
	Source   Source
	Close    func() error
}

// OpenFunc constructs a driver's binding.
type OpenFunc func(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Binding, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]OpenFunc)
)

// Register makes a driver available by name. Intended to be called from a
// driver package's init. Duplicate names panic.
func Register(name string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if open == nil {
		panic("platform: Register open is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("platform: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Drivers lists the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the binding for the named driver.
func Open(ctx context.Context, name string, cfg *config.Config, log zerolog.Logger) (*Binding, error) {
	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown platform driver %q (registered: %v)", name, Drivers())
	}
	return open(ctx, cfg, log)
}
