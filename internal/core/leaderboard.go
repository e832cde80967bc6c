package core

import (
	"context"

	"github.com/jdholdren/levels/internal/core/models"
)

// Top returns the guild's best limit users by total XP, ties going to the
// lower user ID.
func (c Core) Top(ctx context.Context, guildID uint64, limit int) ([]models.LeaderboardEntry, error) {
	entries, _, err := c.page(ctx, guildID, limit, 0)
	return entries, err
}

// LeaderboardPage returns the 1-based page of perPage entries and whether
// another page follows it.
func (c Core) LeaderboardPage(ctx context.Context, guildID uint64, page, perPage int) ([]models.LeaderboardEntry, bool, error) {
	if page < 1 {
		page = 1
	}
	return c.page(ctx, guildID, perPage, (page-1)*perPage)
}

func (c Core) page(ctx context.Context, guildID uint64, limit, offset int) ([]models.LeaderboardEntry, bool, error) {
	if limit <= 0 {
		return []models.LeaderboardEntry{}, false, nil
	}

	// One extra row tells us whether there's more
	recs, err := c.db.GetTopXPForGuild(ctx, guildID, limit+1, offset)
	if err != nil {
		return nil, false, storageErr(err)
	}

	hasNext := len(recs) > limit
	if hasNext {
		recs = recs[:limit]
	}

	entries := make([]models.LeaderboardEntry, 0, len(recs))
	for i, r := range recs {
		entries = append(entries, models.LeaderboardEntry{
			Rank:    offset + i + 1,
			UserID:  r.UserID,
			TotalXP: r.TotalXP,
			Level:   c.curve.LevelForXP(r.TotalXP),
		})
	}

	return entries, hasNext, nil
}

// Standing returns a user's XP, level, progress and rank. Users without a
// record get a zero standing with Rank 0.
func (c Core) Standing(ctx context.Context, guildID, userID uint64) (models.Standing, error) {
	rec, ok, err := c.db.GetXPRecord(ctx, guildID, userID)
	if err != nil {
		return models.Standing{}, storageErr(err)
	}

	lvl := c.curve.LevelForXP(rec.TotalXP)
	st := models.Standing{
		GuildID:     guildID,
		UserID:      userID,
		TotalXP:     rec.TotalXP,
		Level:       lvl,
		LevelXP:     c.curve.XPRequiredFor(lvl),
		NextLevelXP: c.curve.XPRequiredFor(lvl + 1),
		LastAwardAt: rec.LastAwardAt(),
	}
	if !ok {
		return st, nil
	}

	rank, err := c.db.GetRank(ctx, rec)
	if err != nil {
		return models.Standing{}, storageErr(err)
	}
	st.Rank = rank

	return st, nil
}
