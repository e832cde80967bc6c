package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/levels/internal/core/models"
	"github.com/jmoiron/sqlx"
)

// ErrTotalOverflow is returned when an award would push a total past what
// sqlite can store as an integer. Nothing is written.
var ErrTotalOverflow = errors.New("award would overflow the xp total")

// A DB struct holds the connection to sqlite and provides methods for interacting with
// persistent storage
type DB struct {
	db *sqlx.DB
}

// New creates an instance of our repository using the provided connection
func New(db *sqlx.DB) DB {
	return DB{
		db: db,
	}
}

// AwardXP adds amount to the user's total in a single statement, creating the
// record on first award, and returns the totals before and after.
//
// The upsert and the read of the new total happen in one statement so that
// concurrent awards to the same key serialize inside sqlite and none are lost.
// An update that would overflow int64 matches no row, so RETURNING is empty.
func (db DB) AwardXP(ctx context.Context, guildID, userID, amount uint64, at time.Time) (uint64, uint64, error) {
	q := `
	INSERT INTO xp_records(guild_id, user_id, total_xp, last_award_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(guild_id, user_id) DO UPDATE SET
		total_xp = total_xp + excluded.total_xp,
		last_award_at = MAX(last_award_at, excluded.last_award_at)
	WHERE total_xp <= 9223372036854775807 - excluded.total_xp
	RETURNING total_xp;
	`

	var newTotal uint64
	err := db.db.GetContext(ctx, &newTotal, q, guildID, userID, amount, at.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrTotalOverflow
	}
	if err != nil {
		return 0, 0, fmt.Errorf("error awarding xp: %w", err)
	}

	return newTotal - amount, newTotal, nil
}

// GetXPRecord returns the record for a user, or ok=false if they have none yet
func (db DB) GetXPRecord(ctx context.Context, guildID, userID uint64) (models.XPRecord, bool, error) {
	q := `
	SELECT * FROM xp_records WHERE guild_id = ? AND user_id = ? LIMIT 1;
	`

	rec := models.XPRecord{}
	err := db.db.GetContext(ctx, &rec, q, guildID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.XPRecord{}, false, nil
	}
	if err != nil {
		return models.XPRecord{}, false, fmt.Errorf("error retrieving xp_record: %w", err)
	}

	return rec, true, nil
}

// GetTopXPForGuild returns up to limit records starting at offset, ordered by
// total_xp descending with user_id ascending as the tie break.
func (db DB) GetTopXPForGuild(ctx context.Context, guildID uint64, limit, offset int) ([]models.XPRecord, error) {
	q := `
	SELECT * FROM xp_records WHERE guild_id = ? ORDER BY total_xp DESC, user_id ASC LIMIT ? OFFSET ?;
	`

	recs := make([]models.XPRecord, 0, limit)
	if err := db.db.SelectContext(ctx, &recs, q, guildID, limit, offset); err != nil {
		return nil, fmt.Errorf("error retrieving xp_records: %w", err)
	}

	return recs, nil
}

// GetRank counts how many users sort ahead of the given record, using the
// same ordering as GetTopXPForGuild, and returns the 1-based rank.
func (db DB) GetRank(ctx context.Context, rec models.XPRecord) (int, error) {
	q := `
	SELECT COUNT(*) FROM xp_records
	WHERE guild_id = ? AND (total_xp > ? OR (total_xp = ? AND user_id < ?));
	`

	var ahead int
	if err := db.db.GetContext(ctx, &ahead, q, rec.GuildID, rec.TotalXP, rec.TotalXP, rec.UserID); err != nil {
		return 0, fmt.Errorf("error counting rank: %w", err)
	}

	return ahead + 1, nil
}

// SetLevelRole upserts the role rule for a level. A role it replaces is
// retired, and the role it sets stops being retired.
func (db DB) SetLevelRole(ctx context.Context, guildID uint64, level int, roleID uint64) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting level_role update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	retire := `
	INSERT OR IGNORE INTO retired_level_roles(guild_id, role_id)
	SELECT guild_id, role_id FROM level_roles WHERE guild_id = ? AND level = ? AND role_id != ?;
	`
	if _, err := tx.ExecContext(ctx, retire, guildID, level, roleID); err != nil {
		return fmt.Errorf("error retiring replaced role: %w", err)
	}

	q := `
	INSERT INTO level_roles(guild_id, level, role_id) VALUES (?, ?, ?) ON CONFLICT(guild_id, level) DO UPDATE SET role_id=excluded.role_id;
	`
	if _, err := tx.ExecContext(ctx, q, guildID, level, roleID); err != nil {
		return fmt.Errorf("error setting level_role: %w", err)
	}

	unretire := `
	DELETE FROM retired_level_roles WHERE guild_id = ? AND role_id = ?;
	`
	if _, err := tx.ExecContext(ctx, unretire, guildID, roleID); err != nil {
		return fmt.Errorf("error unretiring role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing level_role: %w", err)
	}

	return nil
}

// DeleteLevelRole removes the rule for a level and retires its role, unless
// another level still awards it. Deleting a missing rule is not an error.
func (db DB) DeleteLevelRole(ctx context.Context, guildID uint64, level int) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting level_role delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	retire := `
	INSERT OR IGNORE INTO retired_level_roles(guild_id, role_id)
	SELECT guild_id, role_id FROM level_roles AS lr WHERE guild_id = ? AND level = ?
		AND NOT EXISTS (SELECT 1 FROM level_roles WHERE guild_id = lr.guild_id AND role_id = lr.role_id AND level != lr.level);
	`
	if _, err := tx.ExecContext(ctx, retire, guildID, level); err != nil {
		return fmt.Errorf("error retiring role: %w", err)
	}

	q := `
	DELETE FROM level_roles WHERE guild_id = ? AND level = ?;
	`
	if _, err := tx.ExecContext(ctx, q, guildID, level); err != nil {
		return fmt.Errorf("error deleting level_role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing level_role delete: %w", err)
	}

	return nil
}

// ListRetiredLevelRoles returns the roles no rule awards any more
func (db DB) ListRetiredLevelRoles(ctx context.Context, guildID uint64) ([]uint64, error) {
	q := `
	SELECT role_id FROM retired_level_roles WHERE guild_id = ? ORDER BY role_id ASC;
	`

	roles := []uint64{}
	if err := db.db.SelectContext(ctx, &roles, q, guildID); err != nil {
		return nil, fmt.Errorf("error retrieving retired_level_roles: %w", err)
	}

	return roles, nil
}

// ListLevelRoles returns every rule for a guild, lowest level first
func (db DB) ListLevelRoles(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error) {
	q := `
	SELECT * FROM level_roles WHERE guild_id = ? ORDER BY level ASC;
	`

	rules := []models.LevelRewardRule{}
	if err := db.db.SelectContext(ctx, &rules, q, guildID); err != nil {
		return nil, fmt.Errorf("error retrieving level_roles: %w", err)
	}

	return rules, nil
}

// GetGuildSettings returns the stored settings for a guild, or ok=false if
// the guild has never been configured.
func (db DB) GetGuildSettings(ctx context.Context, guildID uint64) (models.GuildSettings, bool, error) {
	q := `
	SELECT * FROM guild_settings WHERE guild_id = ? LIMIT 1;
	`

	s := models.GuildSettings{}
	err := db.db.GetContext(ctx, &s, q, guildID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GuildSettings{}, false, nil
	}
	if err != nil {
		return models.GuildSettings{}, false, fmt.Errorf("error retrieving guild_settings: %w", err)
	}

	return s, true, nil
}

// SetGuildSettings writes the full settings row for a guild
func (db DB) SetGuildSettings(ctx context.Context, s models.GuildSettings) error {
	q := `
	INSERT INTO guild_settings(guild_id, enabled, xp_rate, xp_cooldown_seconds, dm_notifications)
	VALUES (:guild_id, :enabled, :xp_rate, :xp_cooldown_seconds, :dm_notifications)
	ON CONFLICT(guild_id) DO UPDATE SET
		enabled=excluded.enabled,
		xp_rate=excluded.xp_rate,
		xp_cooldown_seconds=excluded.xp_cooldown_seconds,
		dm_notifications=excluded.dm_notifications;
	`
	if _, err := db.db.NamedExecContext(ctx, q, s); err != nil {
		return fmt.Errorf("error setting guild_settings: %w", err)
	}

	return nil
}

// ResetGuild deletes every xp record and level role for a guild in one transaction
func (db DB) ResetGuild(ctx context.Context, guildID uint64) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM xp_records WHERE guild_id = ?;`, guildID); err != nil {
		return fmt.Errorf("error deleting xp_records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM level_roles WHERE guild_id = ?;`, guildID); err != nil {
		return fmt.Errorf("error deleting level_roles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retired_level_roles WHERE guild_id = ?;`, guildID); err != nil {
		return fmt.Errorf("error deleting retired_level_roles: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing reset: %w", err)
	}

	return nil
}
