package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/jdholdren/levels/internal/rolesync"
)

type fakeDM struct {
	sent []string
	err  error
}

func (f *fakeDM) SendDM(ctx context.Context, userID uint64, content string) error {
	f.sent = append(f.sent, content)
	return f.err
}

func TestLevelUpNotifier(t *testing.T) {
	dm := &fakeDM{}
	notify := levelUpNotifier(zaptest.NewLogger(t).Sugar(), dm)

	notify(context.Background(), rolesync.LevelUp{GuildID: 1, UserID: 2, PrevLevel: 0, NewLevel: 1, RolesOwed: []uint64{5}, DMNotifications: true})
	notify(context.Background(), rolesync.LevelUp{GuildID: 1, UserID: 2, PrevLevel: 1, NewLevel: 2, DMNotifications: false})
	notify(context.Background(), rolesync.LevelUp{GuildID: 1, UserID: 2, PrevLevel: 2, NewLevel: 3, DMNotifications: true})

	want := []string{
		"🎉 You reached **Level 1**! You earned 1 new role(s).",
		"🎉 You reached **Level 3**!",
	}
	if diff := cmp.Diff(want, dm.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	// A failed DM is only logged
	dm.err = errors.New("cannot send messages to this user")
	notify(context.Background(), rolesync.LevelUp{UserID: 2, NewLevel: 4, DMNotifications: true})
}

func testConfig(t *testing.T) config {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error generating key: %s", err)
	}

	return config{
		DBPath:                filepath.Join(t.TempDir(), "levels.sqlite"),
		DiscordVerifyKey:      hex.EncodeToString(pub),
		SkipRegister:          true,
		SkipGateway:           true,
		DefaultXPRate:         10,
		DefaultXPCooldown:     60,
		BaseEventWeight:       1,
		MinMessageLength:      1,
		CooldownSweepInterval: time.Minute,
		ShutdownGrace:         time.Second,
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, zaptest.NewLogger(t).Sugar(), testConfig(t))
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunFailsBeforeStarting(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiscordVerifyKey = "not hex"

	// Nothing is running yet, so this returns without ctx ever being cancelled
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), zaptest.NewLogger(t).Sugar(), cfg)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error for a bad verify key")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going after a setup failure")
	}
}
