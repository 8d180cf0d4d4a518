// Package share builds and publishes outbound federation broadcasts. Each
// broadcast kind has a fixed receiver list; the lists are part of the
// federation contract and match what the sibling projects subscribe to.
package share

import (
	"strconv"

	"github.com/SDGBots/scp-079-long/internal/codec"
	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher delivers one encoded envelope to the exchange bus. Implementations
// are asynchronous; a returned error means the message could not even be
// queued.
type Publisher interface {
	Publish(payload []byte) error
}

// Receiver lists per broadcast kind.
var (
	receiversBad = []string{
		"ANALYZE", "APPEAL", "CAPTCHA", "CLEAN", "LANG", "LONG",
		"NOFLOOD", "NOPORN", "NOSPAM", "MANAGE", "RECHECK", "USER", "WATCH",
	}
	receiversDeclare = []string{
		"ANALYZE", "CLEAN", "LANG", "LONG",
		"NOFLOOD", "NOPORN", "NOSPAM", "RECHECK", "USER",
	}
	receiversScore = []string{
		"ANALYZE", "CAPTCHA", "CLEAN", "LANG", "LONG",
		"NOFLOOD", "NOPORN", "NOSPAM", "MANAGE", "RECHECK",
	}
	receiversWatch = []string{
		"ANALYZE", "CAPTCHA", "CLEAN", "LANG", "LONG",
		"NOFLOOD", "NOPORN", "NOSPAM", "MANAGE", "RECHECK", "WATCH",
	}
	receiversHelp = []string{"USER"}
)

// Sharer is the single writer of outbound broadcasts for this node.
type Sharer struct {
	self  string
	codec *codec.Codec
	pub   Publisher
	log   zerolog.Logger
}

// New returns a Sharer publishing as the given federation identity.
func New(self string, c *codec.Codec, pub Publisher, log zerolog.Logger) *Sharer {
	return &Sharer{
		self:  self,
		codec: c,
		pub:   pub,
		log:   log.With().Str("component", "share").Logger(),
	}
}

func (s *Sharer) publish(to []string, action, typ string, data any) {
	payload, err := s.codec.Encode(s.self, to, action, typ, data)
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Str("type", typ).
			Msg("broadcast encode failed")
		return
	}
	if err := s.pub.Publish(payload); err != nil {
		s.log.Error().Err(err).Str("action", action).Str("type", typ).
			Msg("broadcast publish failed")
		return
	}
	metrics.Broadcasts.WithLabelValues(action, typ).Inc()
}

// ShareBadUser announces a newly blacklisted user.
func (s *Sharer) ShareBadUser(uid int64) {
	s.publish(receiversBad, "add", "bad", map[string]any{
		"id":   uid,
		"type": "user",
	})
}

// ShareWatchBanUser announces a new ban-watch entry. The expiry travels
// sealed with the shared key, as the watch contract requires.
func (s *Sharer) ShareWatchBanUser(uid int64, until int64) {
	sealed, err := s.codec.EncryptString(strconv.FormatInt(until, 10))
	if err != nil {
		s.log.Error().Err(err).Int64("user", uid).Msg("seal watch expiry failed")
		return
	}
	s.publish(receiversWatch, "add", "watch", map[string]any{
		"id":    uid,
		"type":  "ban",
		"until": sealed,
	})
}

// DeclareMessage tells the federation this node handled the message, so no
// sibling acts on it again.
func (s *Sharer) DeclareMessage(gid, mid int64) {
	s.publish(receiversDeclare, "update", "declare", map[string]any{
		"group_id":   gid,
		"message_id": mid,
	})
}

// UpdateScore publishes this project's current score for the user.
func (s *Sharer) UpdateScore(uid int64, score float64) {
	s.publish(receiversScore, "update", "score", map[string]any{
		"id":    uid,
		"score": score,
	})
}

// AskForHelp requests the USER project act where this node lacks power.
// helpType is "ban" or "delete"; deleteScope "global" widens a delete request
// to every group.
func (s *Sharer) AskForHelp(gid, uid int64, helpType, deleteScope string) {
	data := map[string]any{
		"group_id":  gid,
		"user_id":   uid,
		"help_type": helpType,
	}
	if deleteScope != "" {
		data["delete"] = deleteScope
	}
	s.publish(receiversHelp, "help", helpType, data)
}
