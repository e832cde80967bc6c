package core

import (
	"context"

	"github.com/jdholdren/levels/internal/core/models"
)

// SetReward makes roleID the reward for reaching level, replacing any
// existing reward for that level. Members already past the level only get
// the role on their next level change.
func (c Core) SetReward(ctx context.Context, guildID uint64, level int, roleID uint64) error {
	if level < 1 {
		return ErrInvalidLevel
	}

	if err := c.db.SetLevelRole(ctx, guildID, level, roleID); err != nil {
		return storageErr(err)
	}

	c.l.Infow("set level reward", "guild_id", guildID, "level", level, "role_id", roleID)
	return nil
}

// RemoveReward drops the reward for a level, if there is one. Nobody loses
// the role until their next level change triggers a sync.
func (c Core) RemoveReward(ctx context.Context, guildID uint64, level int) error {
	if err := c.db.DeleteLevelRole(ctx, guildID, level); err != nil {
		return storageErr(err)
	}

	c.l.Infow("removed level reward", "guild_id", guildID, "level", level)
	return nil
}

// ListRewards returns a guild's rewards, lowest level first
func (c Core) ListRewards(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error) {
	rules, err := c.db.ListLevelRoles(ctx, guildID)
	if err != nil {
		return nil, storageErr(err)
	}

	return rules, nil
}
