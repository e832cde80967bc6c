package discord

import (
	"context"
	"fmt"
	"net/http"
)

// Application command and option types
const (
	commandTypeChatInput = 1

	optionSubCommand = 1
	optionString     = 3
	optionInteger    = 4
	optionBoolean    = 5
	optionUser       = 6
	optionRole       = 8
	optionNumber     = 10

	permManageGuild = 1 << 5
	permManageRoles = 1 << 28
)

// Represents the request to create a command
type command struct {
	Name                     string          `json:"name"`
	Type                     uint            `json:"type"`
	Description              string          `json:"description"`
	Options                  []commandOption `json:"options,omitempty"`
	DefaultMemberPermissions string          `json:"default_member_permissions,omitempty"`
	DMPermission             bool            `json:"dm_permission"`
}

type commandOption struct {
	Name        string          `json:"name"`
	Type        uint            `json:"type"`
	Description string          `json:"description"`
	Required    bool            `json:"required,omitempty"`
	MinValue    *float64        `json:"min_value,omitempty"`
	MaxValue    *float64        `json:"max_value,omitempty"`
	Options     []commandOption `json:"options,omitempty"`
}

func bound(v float64) *float64 { return &v }

// commands is every slash command the bot serves
func commands() []command {
	return []command{
		{
			Name:        "level",
			Type:        commandTypeChatInput,
			Description: "View your level and XP",
			Options: []commandOption{
				{Name: "user", Type: optionUser, Description: "User to check (defaults to yourself)"},
			},
		},
		{
			Name:        "leaderboard",
			Type:        commandTypeChatInput,
			Description: "View the server's XP leaderboard",
			Options: []commandOption{
				{Name: "page", Type: optionInteger, Description: "Page number", MinValue: bound(1)},
			},
		},
		{
			Name:                     "levelconfig",
			Type:                     commandTypeChatInput,
			Description:              "Configure the leveling system",
			DefaultMemberPermissions: fmt.Sprint(permManageGuild | permManageRoles),
			Options: []commandOption{
				{
					Name: "addrole", Type: optionSubCommand, Description: "Add a role reward for reaching a level",
					Options: []commandOption{
						{Name: "level", Type: optionInteger, Description: "Level to award the role at", Required: true, MinValue: bound(1)},
						{Name: "role", Type: optionRole, Description: "Role to award", Required: true},
					},
				},
				{
					Name: "removerole", Type: optionSubCommand, Description: "Remove a level role reward",
					Options: []commandOption{
						{Name: "level", Type: optionInteger, Description: "Level to remove the reward from", Required: true},
					},
				},
				{Name: "roles", Type: optionSubCommand, Description: "List all level role rewards"},
				{
					Name: "cooldown", Type: optionSubCommand, Description: "Set the XP cooldown",
					Options: []commandOption{
						{Name: "seconds", Type: optionInteger, Description: "Cooldown in seconds (0-3600)", Required: true, MinValue: bound(0), MaxValue: bound(3600)},
					},
				},
				{
					Name: "xprate", Type: optionSubCommand, Description: "Set the XP multiplier",
					Options: []commandOption{
						{Name: "rate", Type: optionNumber, Description: "XP per unit of message weight (max 100)", Required: true, MaxValue: bound(100)},
					},
				},
				{
					Name: "toggle", Type: optionSubCommand, Description: "Enable or disable leveling",
					Options: []commandOption{
						{Name: "enabled", Type: optionBoolean, Description: "Whether members earn XP", Required: true},
					},
				},
				{Name: "togglenotifications", Type: optionSubCommand, Description: "Toggle level-up DMs"},
			},
		},
		{
			Name:                     "resetdb",
			Type:                     commandTypeChatInput,
			Description:              "Delete all XP and level rewards for this server",
			DefaultMemberPermissions: fmt.Sprint(permManageGuild),
			Options: []commandOption{
				{Name: "confirm", Type: optionString, Description: "Type RESET to confirm", Required: true},
			},
		},
	}
}

// RegisterCommands reaches out to discord to register all commands supported by the app,
// replacing whatever the guild had before
func (c *Client) RegisterCommands(ctx context.Context, guildID string) error {
	path := fmt.Sprintf("/applications/%s/guilds/%s/commands", c.appID, guildID)

	resM := []map[string]any{}
	if err := c.do(ctx, http.MethodPut, path, commands(), &resM, ""); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	c.l.Infow("sucessfully called to register guild commands", "guild_id", guildID, "count", len(resM))

	return nil
}
