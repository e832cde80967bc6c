// Package core is the leveling engine: it turns qualifying messages into XP,
// derives levels from XP, and hands level changes to the role synchronizer.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jdholdren/levels/internal/cooldown"
	"github.com/jdholdren/levels/internal/core/models"
	"github.com/jdholdren/levels/internal/curve"
	"github.com/jdholdren/levels/internal/rolesync"
)

var (
	// ErrInvalidAmount is returned for XP amounts or event weights that aren't positive
	ErrInvalidAmount = errors.New("xp amount must be positive")
	// ErrStorageUnavailable wraps any failure of the backing store
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidLevel is returned for reward rules below level 1
	ErrInvalidLevel = errors.New("level must be at least 1")
	// ErrInvalidSetting is returned for guild settings out of range
	ErrInvalidSetting = errors.New("invalid guild setting")
)

// Store is everything the engine needs from persistent storage
type Store interface {
	AwardXP(ctx context.Context, guildID, userID, amount uint64, at time.Time) (uint64, uint64, error)
	GetXPRecord(ctx context.Context, guildID, userID uint64) (models.XPRecord, bool, error)
	GetTopXPForGuild(ctx context.Context, guildID uint64, limit, offset int) ([]models.XPRecord, error)
	GetRank(ctx context.Context, rec models.XPRecord) (int, error)

	SetLevelRole(ctx context.Context, guildID uint64, level int, roleID uint64) error
	DeleteLevelRole(ctx context.Context, guildID uint64, level int) error
	ListLevelRoles(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error)

	GetGuildSettings(ctx context.Context, guildID uint64) (models.GuildSettings, bool, error)
	SetGuildSettings(ctx context.Context, s models.GuildSettings) error

	ResetGuild(ctx context.Context, guildID uint64) error
}

// LevelUpSink receives level changes. Enqueue must not block.
type LevelUpSink interface {
	Enqueue(lu rolesync.LevelUp) bool
}

// Config is the engine's policy
type Config struct {
	// Curve maps xp to levels, curve.Default if nil
	Curve curve.Curve

	// Settings for guilds that have never been configured
	DefaultXPRate          float64
	DefaultCooldownSeconds int
}

type Core struct {
	db        Store
	curve     curve.Curve
	cooldowns *cooldown.Tracker
	locks     *keyLocks
	sink      LevelUpSink
	clk       clockwork.Clock
	cfg       Config

	l *zap.SugaredLogger
}

func New(l *zap.SugaredLogger, db Store, cooldowns *cooldown.Tracker, sink LevelUpSink, clk clockwork.Clock, cfg Config) Core {
	c := cfg.Curve
	if c == nil {
		c = curve.Default
	}
	if cfg.DefaultXPRate <= 0 {
		cfg.DefaultXPRate = 10
	}
	if cfg.DefaultCooldownSeconds < 0 {
		cfg.DefaultCooldownSeconds = 0
	}

	return Core{
		db:        db,
		curve:     c,
		cooldowns: cooldowns,
		locks:     newKeyLocks(),
		sink:      sink,
		clk:       clk,
		cfg:       cfg,
		l:         l,
	}
}

// Curve is the level curve the engine derives levels with
func (c Core) Curve() curve.Curve {
	return c.curve
}

// ResetGuild deletes all xp and reward rules for a guild. It's an
// administrative operation and isn't coordinated with in-flight awards.
func (c Core) ResetGuild(ctx context.Context, guildID uint64) error {
	if err := c.db.ResetGuild(ctx, guildID); err != nil {
		return storageErr(err)
	}

	c.l.Infow("reset guild", "guild_id", guildID)
	return nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
