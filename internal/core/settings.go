package core

import (
	"context"
	"fmt"

	"github.com/jdholdren/levels/internal/core/models"
)

const (
	MaxCooldownSeconds = 3600
	MaxXPRate          = 100
)

// Settings returns a guild's leveling settings, falling back to the
// configured defaults for guilds that have never been set up.
func (c Core) Settings(ctx context.Context, guildID uint64) (models.GuildSettings, error) {
	s, ok, err := c.db.GetGuildSettings(ctx, guildID)
	if err != nil {
		return models.GuildSettings{}, storageErr(err)
	}
	if !ok {
		return c.defaultSettings(guildID), nil
	}

	return s, nil
}

func (c Core) defaultSettings(guildID uint64) models.GuildSettings {
	return models.GuildSettings{
		GuildID:         guildID,
		Enabled:         true,
		XPRate:          c.cfg.DefaultXPRate,
		CooldownSeconds: c.cfg.DefaultCooldownSeconds,
		DMNotifications: true,
	}
}

// UpdateSettings applies fn to the guild's current settings, validates the
// outcome and stores it.
func (c Core) UpdateSettings(ctx context.Context, guildID uint64, fn func(*models.GuildSettings)) (models.GuildSettings, error) {
	s, err := c.Settings(ctx, guildID)
	if err != nil {
		return models.GuildSettings{}, err
	}

	fn(&s)
	s.GuildID = guildID
	if err := validateSettings(s); err != nil {
		return models.GuildSettings{}, err
	}

	if err := c.db.SetGuildSettings(ctx, s); err != nil {
		return models.GuildSettings{}, storageErr(err)
	}

	c.l.Infow("updated guild settings",
		"guild_id", guildID,
		"enabled", s.Enabled,
		"xp_rate", s.XPRate,
		"cooldown_seconds", s.CooldownSeconds,
		"dm_notifications", s.DMNotifications,
	)
	return s, nil
}

func validateSettings(s models.GuildSettings) error {
	if s.CooldownSeconds < 0 || s.CooldownSeconds > MaxCooldownSeconds {
		return fmt.Errorf("%w: cooldown must be between 0 and %d seconds", ErrInvalidSetting, MaxCooldownSeconds)
	}
	if !(s.XPRate > 0 && s.XPRate <= MaxXPRate) {
		return fmt.Errorf("%w: xp rate must be above 0 and at most %d", ErrInvalidSetting, MaxXPRate)
	}

	return nil
}
