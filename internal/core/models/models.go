// Package models provides the structs exposed by the core package,
// but put in an independent package to break the dependency cycle
// between `core` and `db`
package models

import "time"

// An XPRecord is the running experience total for a user in a guild.
// Level is never stored; it is derived from TotalXP by a curve.
type XPRecord struct {
	GuildID     uint64 `db:"guild_id"`
	UserID      uint64 `db:"user_id"`
	TotalXP     uint64 `db:"total_xp"`
	LastAwardMS int64  `db:"last_award_at"`
}

// LastAwardAt is the time of the most recent accepted award
func (r XPRecord) LastAwardAt() time.Time {
	if r.LastAwardMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.LastAwardMS).UTC()
}

// A LevelRewardRule binds a role to a level. There is at most one per
// (guild, level).
type LevelRewardRule struct {
	GuildID uint64 `db:"guild_id"`
	Level   int    `db:"level"`
	RoleID  uint64 `db:"role_id"`
}

// GuildSettings are the per-guild leveling knobs
type GuildSettings struct {
	GuildID         uint64  `db:"guild_id"`
	Enabled         bool    `db:"enabled"`
	XPRate          float64 `db:"xp_rate"`
	CooldownSeconds int     `db:"xp_cooldown_seconds"`
	DMNotifications bool    `db:"dm_notifications"`
}

// Cooldown is the settings' cooldown as a duration
func (s GuildSettings) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// A LeaderboardEntry is one ranked row of a guild's leaderboard
type LeaderboardEntry struct {
	Rank    int
	UserID  uint64
	TotalXP uint64
	Level   int
}

// Standing is a user's position in a guild, as shown by /level
type Standing struct {
	GuildID     uint64
	UserID      uint64
	TotalXP     uint64
	Level       int
	LevelXP     uint64 // XP at which Level began
	NextLevelXP uint64 // XP at which Level+1 begins
	Rank        int    // 1-based, 0 when the user has no record
	LastAwardAt time.Time
}

// Progress is how far into the current level the user is, in [0, 1)
func (s Standing) Progress() float64 {
	span := s.NextLevelXP - s.LevelXP
	if span == 0 {
		return 0
	}
	return float64(s.TotalXP-s.LevelXP) / float64(span)
}
