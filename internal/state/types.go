package state

import "errors"

// Error kinds returned by boundary-facing operations. Callers use these to
// distinguish "ignored" from "failed" from "fatal".
var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnauthorized   = errors.New("unauthorized")
)

// ScoreProjects is the fixed set of federation projects that score users.
// User records carry exactly these keys.
var ScoreProjects = []string{
	"captcha", "clean", "lang", "long", "noflood",
	"noporn", "nospam", "recheck", "warn",
}

// UserRecord tracks one user's enforcement history and federation scores.
type UserRecord struct {
	// Detected maps group id to the unix time of the last enforcement there.
	Detected map[int64]int64 `msgpack:"detected" json:"detected"`
	// Score maps project name to that project's score for the user.
	Score map[string]float64 `msgpack:"score" json:"score"`
}

// NewUserRecord returns the default (empty) record with all score keys zeroed.
func NewUserRecord() *UserRecord {
	r := &UserRecord{
		Detected: make(map[int64]int64),
		Score:    make(map[string]float64, len(ScoreProjects)),
	}
	for _, p := range ScoreProjects {
		r.Score[p] = 0
	}
	return r
}

// GroupConfig is one group's moderation settings.
type GroupConfig struct {
	Default bool  `msgpack:"default" json:"default"`
	Lock    int64 `msgpack:"lock" json:"lock"`
	Limit   int   `msgpack:"limit" json:"limit"`
}

// DefaultLimit is the message-length threshold applied when a group has no
// committed custom config.
const DefaultLimit = 9000

// DefaultGroupConfig returns the config used before a group commits its own.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{Default: true, Lock: 0, Limit: DefaultLimit}
}

// badIDs is the federation-wide blacklist snapshot shape.
type badIDs struct {
	Channels map[int64]bool `msgpack:"channels"`
	Users    map[int64]bool `msgpack:"users"`
}

func newBadIDs() badIDs {
	return badIDs{Channels: make(map[int64]bool), Users: make(map[int64]bool)}
}

// Watch scopes.
const (
	WatchBan    = "ban"
	WatchDelete = "delete"
)
