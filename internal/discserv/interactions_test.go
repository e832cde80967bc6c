package discserv

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/jdholdren/levels/internal/core"
	"github.com/jdholdren/levels/internal/core/models"
)

type fakeEngine struct {
	standing models.Standing
	entries  []models.LeaderboardEntry
	hasNext  bool
	rules    []models.LevelRewardRule
	settings models.GuildSettings
	err      error

	page     int
	setLevel int
	setRole  uint64
	reset    []uint64
}

func (f *fakeEngine) Standing(ctx context.Context, guildID, userID uint64) (models.Standing, error) {
	return f.standing, f.err
}

func (f *fakeEngine) LeaderboardPage(ctx context.Context, guildID uint64, page, perPage int) ([]models.LeaderboardEntry, bool, error) {
	f.page = page
	return f.entries, f.hasNext, f.err
}

func (f *fakeEngine) SetReward(ctx context.Context, guildID uint64, level int, roleID uint64) error {
	f.setLevel, f.setRole = level, roleID
	return f.err
}

func (f *fakeEngine) RemoveReward(ctx context.Context, guildID uint64, level int) error {
	return f.err
}

func (f *fakeEngine) ListRewards(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error) {
	return f.rules, f.err
}

func (f *fakeEngine) UpdateSettings(ctx context.Context, guildID uint64, fn func(*models.GuildSettings)) (models.GuildSettings, error) {
	if f.err != nil {
		return models.GuildSettings{}, f.err
	}
	fn(&f.settings)
	return f.settings, nil
}

func (f *fakeEngine) ResetGuild(ctx context.Context, guildID uint64) error {
	f.reset = append(f.reset, guildID)
	return f.err
}

type testServer struct {
	*Server
	priv ed25519.PrivateKey
}

func newTestServer(t *testing.T, eng Engine) testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error generating key: %s", err)
	}

	s, err := New(zaptest.NewLogger(t).Sugar(), Config{Port: 0, VerifyKey: hex.EncodeToString(pub), OwnerID: "1"}, eng)
	if err != nil {
		t.Fatalf("unexpected error creating server: %s", err)
	}
	return testServer{Server: s, priv: priv}
}

// send signs body the way discord does and returns the decoded reply
func (ts testServer) send(t *testing.T, body string) (int, messageResponse) {
	t.Helper()
	timestamp := "1700000000"
	sig := ed25519.Sign(ts.priv, []byte(timestamp+body))

	req := httptest.NewRequest(http.MethodPost, "/interactions", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	rec := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rec, req)

	var resp messageResponse
	if rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("error decoding response: %s", err)
		}
	}
	return rec.Code, resp
}

func command(name string, options string) string {
	return `{"type": 2, "guild_id": "100", "member": {"user": {"id": "1"}}, "data": {"name": "` + name + `", "options": ` + options + `}}`
}

func TestRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(`{"type": 1}`))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(make([]byte, ed25519.SignatureSize)))
	req.Header.Set("X-Signature-Timestamp", "1")
	rec := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestPing(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	code, resp := ts.send(t, `{"type": 1}`)
	if code != http.StatusOK || resp.Type != 1 {
		t.Errorf("ping got status %d type %d", code, resp.Type)
	}
}

func TestLevelCommand(t *testing.T) {
	eng := &fakeEngine{standing: models.Standing{UserID: 1, TotalXP: 250, Level: 1, LevelXP: 100, NextLevelXP: 400, Rank: 2}}
	ts := newTestServer(t, eng)

	_, resp := ts.send(t, command("level", `[]`))
	want := "📊 <@1> is **Level 1** (rank #2)\nXP: 250/400\n█████░░░░░ 50.0%"
	if diff := cmp.Diff(want, resp.Data.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	eng.standing = models.Standing{}
	_, resp = ts.send(t, command("level", `[]`))
	if resp.Data.Flags != flagEphemeral || !strings.Contains(resp.Data.Content, "haven't earned") {
		t.Errorf("unexpected reply for a user without xp: %+v", resp.Data)
	}
}

func TestLeaderboardCommand(t *testing.T) {
	eng := &fakeEngine{
		entries: []models.LeaderboardEntry{
			{Rank: 11, UserID: 5, TotalXP: 900, Level: 3},
			{Rank: 12, UserID: 6, TotalXP: 400, Level: 2},
		},
		hasNext: true,
	}
	ts := newTestServer(t, eng)

	_, resp := ts.send(t, command("leaderboard", `[{"name": "page", "type": 4, "value": 2}]`))
	want := "🏆 **XP Leaderboard**\n#11 <@5> Level 3 • 900 XP\n#12 <@6> Level 2 • 400 XP\nPage 2 • more on page 3"
	if diff := cmp.Diff(want, resp.Data.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if eng.page != 2 {
		t.Errorf("asked engine for page %d, want 2", eng.page)
	}
}

func TestLevelConfigCommands(t *testing.T) {
	eng := &fakeEngine{settings: models.GuildSettings{Enabled: true, XPRate: 10, CooldownSeconds: 60, DMNotifications: true}}
	ts := newTestServer(t, eng)

	_, resp := ts.send(t, command("levelconfig", `[{"name": "addrole", "type": 1, "options": [{"name": "level", "type": 4, "value": 5}, {"name": "role", "type": 8, "value": "777"}]}]`))
	if eng.setLevel != 5 || eng.setRole != 777 {
		t.Errorf("SetReward got level %d role %d", eng.setLevel, eng.setRole)
	}
	if !strings.Contains(resp.Data.Content, "<@&777>") {
		t.Errorf("unexpected reply %q", resp.Data.Content)
	}

	ts.send(t, command("levelconfig", `[{"name": "cooldown", "type": 1, "options": [{"name": "seconds", "type": 4, "value": 30}]}]`))
	ts.send(t, command("levelconfig", `[{"name": "xprate", "type": 1, "options": [{"name": "rate", "type": 10, "value": 2.5}]}]`))
	ts.send(t, command("levelconfig", `[{"name": "toggle", "type": 1, "options": [{"name": "enabled", "type": 5, "value": false}]}]`))
	_, resp = ts.send(t, command("levelconfig", `[{"name": "togglenotifications", "type": 1}]`))

	want := models.GuildSettings{Enabled: false, XPRate: 2.5, CooldownSeconds: 30, DMNotifications: false}
	if diff := cmp.Diff(want, eng.settings); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(resp.Data.Content, "disabled") {
		t.Errorf("unexpected reply %q", resp.Data.Content)
	}

	eng.rules = []models.LevelRewardRule{{Level: 1, RoleID: 11}, {Level: 5, RoleID: 55}}
	_, resp = ts.send(t, command("levelconfig", `[{"name": "roles", "type": 1}]`))
	if diff := cmp.Diff("**Level Role Rewards**\nLevel 1: <@&11>\nLevel 5: <@&55>", resp.Data.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineErrors(t *testing.T) {
	eng := &fakeEngine{err: core.ErrInvalidLevel}
	ts := newTestServer(t, eng)

	_, resp := ts.send(t, command("levelconfig", `[{"name": "addrole", "type": 1, "options": [{"name": "level", "type": 4, "value": 0}, {"name": "role", "type": 8, "value": "7"}]}]`))
	if !strings.Contains(resp.Data.Content, core.ErrInvalidLevel.Error()) {
		t.Errorf("validation errors should be shown, got %q", resp.Data.Content)
	}

	eng.err = errors.Join(core.ErrStorageUnavailable, errors.New("disk I/O error"))
	_, resp = ts.send(t, command("leaderboard", `[]`))
	if resp.Data.Content != "❌ Something went wrong, please try again." || resp.Data.Flags != flagEphemeral {
		t.Errorf("storage errors should get the generic reply, got %+v", resp.Data)
	}
}

func TestResetDB(t *testing.T) {
	eng := &fakeEngine{}
	ts := newTestServer(t, eng)

	ts.send(t, command("resetdb", `[{"name": "confirm", "type": 3, "value": "nope"}]`))
	notOwner := `{"type": 2, "guild_id": "100", "member": {"user": {"id": "2"}}, "data": {"name": "resetdb", "options": [{"name": "confirm", "type": 3, "value": "RESET"}]}}`
	ts.send(t, notOwner)
	if len(eng.reset) != 0 {
		t.Fatalf("reset ran without confirmation or by a non-owner")
	}

	ts.send(t, command("resetdb", `[{"name": "confirm", "type": 3, "value": "RESET"}]`))
	if diff := cmp.Diff([]uint64{100}, eng.reset); diff != "" {
		t.Errorf("reset mismatch (-want +got):\n%s", diff)
	}
}

func TestDMInteractionsAreRefused(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{})
	_, resp := ts.send(t, `{"type": 2, "user": {"id": "1"}, "data": {"name": "level"}}`)
	if !strings.Contains(resp.Data.Content, "only be used in a server") {
		t.Errorf("unexpected reply %q", resp.Data.Content)
	}
}
