package discserv

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/jdholdren/levels/internal/core/models"
)

func (s *Server) handleLevel(w http.ResponseWriter, r *http.Request, guildID uint64, i interaction) {
	targetID := i.Member.User.ID
	if id, ok := optionString(i.Data.Options, "user"); ok {
		targetID = id
	}
	userID, err := strconv.ParseUint(targetID, 10, 64)
	if err != nil {
		writeMsgResponse(w, "❌ Invalid user.", true)
		return
	}

	st, err := s.eng.Standing(r.Context(), guildID, userID)
	if err != nil {
		s.writeEngineErr(w, "level", err)
		return
	}
	if st.Rank == 0 {
		if targetID == i.Member.User.ID {
			writeMsgResponse(w, "❌ You haven't earned any XP yet!", true)
		} else {
			writeMsgResponse(w, "❌ No XP data found for this user!", true)
		}
		return
	}

	writeMsgResponse(w, formatStanding(st), false)
}

func formatStanding(st models.Standing) string {
	pct := st.Progress() * 100
	filled := int(math.Floor(pct / 10))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)

	return fmt.Sprintf("📊 <@%d> is **Level %d** (rank #%d)\nXP: %d/%d\n%s %.1f%%",
		st.UserID, st.Level, st.Rank, st.TotalXP, st.NextLevelXP, bar, pct)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request, guildID uint64, id interactionData) {
	page := 1
	if p, ok := optionInt(id.Options, "page"); ok {
		page = p
	}
	if page < 1 {
		writeMsgResponse(w, "Page number must be 1 or higher!", true)
		return
	}

	entries, hasNext, err := s.eng.LeaderboardPage(r.Context(), guildID, page, leaderboardPageSize)
	if err != nil {
		s.writeEngineErr(w, "leaderboard", err)
		return
	}
	if len(entries) == 0 {
		if page == 1 {
			writeMsgResponse(w, "No XP data found!", true)
		} else {
			writeMsgResponse(w, "No more entries to display!", true)
		}
		return
	}

	var b strings.Builder
	b.WriteString("🏆 **XP Leaderboard**\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d <@%d> Level %d • %d XP\n", e.Rank, e.UserID, e.Level, e.TotalXP)
	}
	fmt.Fprintf(&b, "Page %d", page)
	if hasNext {
		fmt.Fprintf(&b, " • more on page %d", page+1)
	}

	writeMsgResponse(w, b.String(), false)
}

func (s *Server) handleLevelConfig(w http.ResponseWriter, r *http.Request, guildID uint64, id interactionData) {
	if len(id.Options) == 0 {
		writeMsgResponse(w, "❌ Missing subcommand.", true)
		return
	}
	sub := id.Options[0]
	ctx := r.Context()

	switch sub.Name {
	case "addrole":
		level, okL := optionInt(sub.Options, "level")
		roleID, okR := optionSnowflake(sub.Options, "role")
		if !okL || !okR {
			writeMsgResponse(w, "❌ A level and a role are required.", true)
			return
		}
		if err := s.eng.SetReward(ctx, guildID, level, roleID); err != nil {
			s.writeEngineErr(w, "levelconfig addrole", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ Set <@&%d> as the reward for reaching level %d.", roleID, level), false)

	case "removerole":
		level, ok := optionInt(sub.Options, "level")
		if !ok {
			writeMsgResponse(w, "❌ A level is required.", true)
			return
		}
		if err := s.eng.RemoveReward(ctx, guildID, level); err != nil {
			s.writeEngineErr(w, "levelconfig removerole", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ Removed the role reward for level %d.", level), false)

	case "roles":
		rules, err := s.eng.ListRewards(ctx, guildID)
		if err != nil {
			s.writeEngineErr(w, "levelconfig roles", err)
			return
		}
		if len(rules) == 0 {
			writeMsgResponse(w, "No level role rewards set up!", true)
			return
		}
		var b strings.Builder
		b.WriteString("**Level Role Rewards**")
		for _, rule := range rules {
			fmt.Fprintf(&b, "\nLevel %d: <@&%d>", rule.Level, rule.RoleID)
		}
		writeMsgResponse(w, b.String(), false)

	case "cooldown":
		secs, ok := optionInt(sub.Options, "seconds")
		if !ok {
			writeMsgResponse(w, "❌ A number of seconds is required.", true)
			return
		}
		if _, err := s.eng.UpdateSettings(ctx, guildID, func(gs *models.GuildSettings) { gs.CooldownSeconds = secs }); err != nil {
			s.writeEngineErr(w, "levelconfig cooldown", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ XP cooldown set to %d seconds.", secs), false)

	case "xprate":
		rate, ok := optionFloat(sub.Options, "rate")
		if !ok {
			writeMsgResponse(w, "❌ A rate is required.", true)
			return
		}
		if _, err := s.eng.UpdateSettings(ctx, guildID, func(gs *models.GuildSettings) { gs.XPRate = rate }); err != nil {
			s.writeEngineErr(w, "levelconfig xprate", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ XP rate set to %g.", rate), false)

	case "toggle":
		enabled, ok := optionBool(sub.Options, "enabled")
		if !ok {
			writeMsgResponse(w, "❌ Choose whether leveling is enabled.", true)
			return
		}
		if _, err := s.eng.UpdateSettings(ctx, guildID, func(gs *models.GuildSettings) { gs.Enabled = enabled }); err != nil {
			s.writeEngineErr(w, "levelconfig toggle", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ Leveling has been %s.", enabledWord(enabled)), false)

	case "togglenotifications":
		gs, err := s.eng.UpdateSettings(ctx, guildID, func(gs *models.GuildSettings) { gs.DMNotifications = !gs.DMNotifications })
		if err != nil {
			s.writeEngineErr(w, "levelconfig togglenotifications", err)
			return
		}
		writeMsgResponse(w, fmt.Sprintf("✅ Level-up DM notifications have been %s.", enabledWord(gs.DMNotifications)), false)

	default:
		writeMsgResponse(w, fmt.Sprintf("❌ Unknown subcommand '%s'.", sub.Name), true)
	}
}

func enabledWord(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func (s *Server) handleResetDB(w http.ResponseWriter, r *http.Request, guildID uint64, i interaction) {
	if s.ownerID == "" || i.Member.User.ID != s.ownerID {
		writeMsgResponse(w, "❌ Only the bot owner can reset the database.", true)
		return
	}
	if confirm, _ := optionString(i.Data.Options, "confirm"); confirm != "RESET" {
		writeMsgResponse(w, "❌ Type RESET to confirm.", true)
		return
	}

	if err := s.eng.ResetGuild(r.Context(), guildID); err != nil {
		s.writeEngineErr(w, "resetdb", err)
		return
	}

	s.l.Warnw("guild reset by owner", "guild_id", guildID, "user_id", i.Member.User.ID)
	writeMsgResponse(w, "✅ All XP and level rewards for this server have been deleted.", true)
}
