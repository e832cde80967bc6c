package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	coredb "github.com/jdholdren/levels/internal/core/db"
	"github.com/jdholdren/levels/internal/rolesync"
)

// An Event is one qualifying occurrence (usually a chat message) that may
// earn its author XP. What qualifies is up to the caller.
type Event struct {
	GuildID    uint64
	UserID     uint64
	BaseWeight float64
	// OccurredAt is the time cooldowns are measured at; the engine clock's
	// now is used when zero.
	OccurredAt time.Time
}

// State is where an event ended up
type State int

const (
	Rejected State = iota
	NoLevelChange
	LevelChanged
)

func (s State) String() string {
	switch s {
	case Rejected:
		return "rejected"
	case NoLevelChange:
		return "no_level_change"
	case LevelChanged:
		return "level_changed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reasons an event was rejected
const (
	ReasonDisabled = "guild disabled"
	ReasonCooldown = "cooldown"
)

// Result describes what an event did
type Result struct {
	State  State
	Reason string // set when State is Rejected

	Amount    uint64
	PrevTotal uint64
	NewTotal  uint64
	PrevLevel int
	NewLevel  int
	// RolesOwed are the reward roles for every level crossed, lowest level first
	RolesOwed []uint64
}

// HandleEvent runs one event through the engine: settings, cooldown, award,
// and level change detection. Events for the same user are linearized; events
// for different users never wait on each other.
//
// A rejection is not an error. Errors are ErrInvalidAmount or
// ErrStorageUnavailable and leave nothing half-applied, though a storage
// failure after the cooldown check still burns the user's cooldown window.
func (c Core) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	if math.IsNaN(ev.BaseWeight) || ev.BaseWeight <= 0 {
		return Result{}, fmt.Errorf("%w: event weight %v", ErrInvalidAmount, ev.BaseWeight)
	}

	settings, err := c.Settings(ctx, ev.GuildID)
	if err != nil {
		return Result{}, err
	}
	if !settings.Enabled {
		return Result{State: Rejected, Reason: ReasonDisabled}, nil
	}

	now := ev.OccurredAt
	if now.IsZero() {
		now = c.clk.Now()
	}

	unlock := c.locks.lock(ev.GuildID, ev.UserID)
	defer unlock()

	if !c.cooldowns.TryConsume(ev.GuildID, ev.UserID, now, settings.Cooldown()) {
		c.l.Debugw("event rejected by cooldown",
			"guild_id", ev.GuildID,
			"user_id", ev.UserID,
			"remaining", c.cooldowns.Remaining(ev.GuildID, ev.UserID, now),
		)
		return Result{State: Rejected, Reason: ReasonCooldown}, nil
	}

	amount := xpAmount(ev.BaseWeight, settings.XPRate)
	prev, next, err := c.Award(ctx, ev.GuildID, ev.UserID, amount, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		State:     NoLevelChange,
		Amount:    amount,
		PrevTotal: prev,
		NewTotal:  next,
		PrevLevel: c.curve.LevelForXP(prev),
		NewLevel:  c.curve.LevelForXP(next),
	}
	if res.NewLevel == res.PrevLevel {
		return res, nil
	}

	res.State = LevelChanged
	c.l.Infow("level up",
		"guild_id", ev.GuildID,
		"user_id", ev.UserID,
		"prev_level", res.PrevLevel,
		"new_level", res.NewLevel,
		"total_xp", next,
	)

	owed, err := c.RolesOwed(ctx, ev.GuildID, res.PrevLevel, res.NewLevel)
	if err != nil {
		// The XP is committed. Without the rules there's nothing safe to sync,
		// so skip it; the next level change will catch up.
		c.l.Errorw("error reading reward roles, skipping role sync",
			"guild_id", ev.GuildID,
			"user_id", ev.UserID,
			"err", err,
		)
		return res, nil
	}
	res.RolesOwed = owed

	if c.sink != nil {
		c.sink.Enqueue(rolesync.LevelUp{
			GuildID:         ev.GuildID,
			UserID:          ev.UserID,
			PrevLevel:       res.PrevLevel,
			NewLevel:        res.NewLevel,
			RolesOwed:       owed,
			DMNotifications: settings.DMNotifications,
		})
	}

	return res, nil
}

// Award adds amount XP to a user's total and returns the totals before and
// after. Concurrent awards to the same user all land.
func (c Core) Award(ctx context.Context, guildID, userID, amount uint64, at time.Time) (uint64, uint64, error) {
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}

	prev, next, err := c.db.AwardXP(ctx, guildID, userID, amount, at)
	if errors.Is(err, coredb.ErrTotalOverflow) {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if err != nil {
		return 0, 0, storageErr(err)
	}

	return prev, next, nil
}

// RolesOwed collects the reward roles for every level in (prevLevel, newLevel],
// deduplicated, lowest level first.
func (c Core) RolesOwed(ctx context.Context, guildID uint64, prevLevel, newLevel int) ([]uint64, error) {
	rules, err := c.ListRewards(ctx, guildID)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{}
	owed := []uint64{}
	for _, r := range rules {
		if r.Level <= prevLevel || r.Level > newLevel || seen[r.RoleID] {
			continue
		}
		seen[r.RoleID] = true
		owed = append(owed, r.RoleID)
	}

	return owed, nil
}

// xpAmount is weight scaled by the guild's rate, rounded, and at least 1
func xpAmount(weight, rate float64) uint64 {
	v := math.Round(weight * rate)
	if math.IsNaN(v) || v < 1 {
		return 1
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return uint64(v)
}
