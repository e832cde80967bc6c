package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://discord.com/api/v10"

// Client is the struct that provides interactivity with discord
type Client struct {
	appID      string
	token      string // The secret token
	baseURL    string
	httpClient *http.Client

	l *zap.SugaredLogger
}

type ClientConfig struct {
	AppID string
	Token string
	// BaseURL overrides the api root, mostly for tests
	BaseURL string
}

// NewClient produces a new client with the given config
func NewClient(c ClientConfig, l *zap.SugaredLogger) *Client {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	return &Client{
		appID:   c.AppID,
		token:   c.Token,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		l: l,
	}
}

func (c *Client) setupRequest(r *http.Request) {
	r.Header.Add("Authorization", fmt.Sprintf("Bot %s", c.token))
	r.Header.Add("Content-Type", "application/json")
}

// do sends a request and decodes a successful body into out, if given
func (c *Client) do(ctx context.Context, method, path string, body any, out any, reason string) error {
	var rdr io.Reader
	if body != nil {
		byts, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshalling request body: %s", err)
		}
		rdr = bytes.NewReader(byts)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("error creating request: %s", err)
	}
	c.setupRequest(req)
	if reason != "" {
		req.Header.Add("X-Audit-Log-Reason", reason)
	}

	c.l.Debugw("calling discord api", "method", method, "url", u)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		er := readErr(res)
		c.l.Warnw("received error response from api", "err", er, "status_code", res.StatusCode, "url", u)
		return er
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("error reading from response body: %s", err)
	}

	return nil
}

type member struct {
	Roles []string `json:"roles"`
}

// MemberRoles returns the ids of every role the member holds
func (c *Client) MemberRoles(ctx context.Context, guildID, userID uint64) ([]uint64, error) {
	var m member
	path := fmt.Sprintf("/guilds/%d/members/%d", guildID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &m, ""); err != nil {
		return nil, err
	}

	roles := make([]uint64, 0, len(m.Roles))
	for _, r := range m.Roles {
		id, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing role id '%s': %s", r, err)
		}
		roles = append(roles, id)
	}

	return roles, nil
}

// GrantRole adds a role to a member. Granting a held role is a no-op on discord's side.
func (c *Client) GrantRole(ctx context.Context, guildID, userID, roleID uint64) error {
	path := fmt.Sprintf("/guilds/%d/members/%d/roles/%d", guildID, userID, roleID)
	if err := c.do(ctx, http.MethodPut, path, nil, nil, "Level reward"); err != nil {
		return fmt.Errorf("error granting role: %w", err)
	}

	return nil
}

// RevokeRole removes a role from a member. Revoking an absent role is a no-op on discord's side.
func (c *Client) RevokeRole(ctx context.Context, guildID, userID, roleID uint64) error {
	path := fmt.Sprintf("/guilds/%d/members/%d/roles/%d", guildID, userID, roleID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, "Level reward no longer owed"); err != nil {
		return fmt.Errorf("error revoking role: %w", err)
	}

	return nil
}

type dmChannel struct {
	ID string `json:"id"`
}

// SendDM opens (or reuses) the DM channel with a user and posts content to it
func (c *Client) SendDM(ctx context.Context, userID uint64, content string) error {
	var ch dmChannel
	body := map[string]string{"recipient_id": strconv.FormatUint(userID, 10)}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", body, &ch, ""); err != nil {
		return fmt.Errorf("error opening dm channel: %w", err)
	}

	msg := map[string]any{
		"content":          content,
		"allowed_mentions": map[string][]string{"parse": {}},
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", ch.ID), msg, nil, ""); err != nil {
		return fmt.Errorf("error sending dm: %w", err)
	}

	return nil
}
