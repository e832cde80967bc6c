/*
Levels runs a Discord leveling bot: members earn XP for chatting, climb
levels, and are granted the reward roles their guild has configured.

It takes in no flags but multiple environment variables, see config below.
Messages arrive over the discord gateway, slash commands over the interactions
webhook. It will not serve TLS by default, but can be enabled if a cert and
key file are provided.

It's backed by a SQLite DB, but does not reqire CGO to compile. There are migrations
in the repo that are run on startup before the server listens to connections.
*/
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/levels/internal/cooldown"
	"github.com/jdholdren/levels/internal/core"
	"github.com/jdholdren/levels/internal/core/db"
	"github.com/jdholdren/levels/internal/discord"
	"github.com/jdholdren/levels/internal/discserv"
	"github.com/jdholdren/levels/internal/gateway"
	"github.com/jdholdren/levels/internal/logging"
	"github.com/jdholdren/levels/internal/rolesync"
)

//go:embed migrate/*
var f embed.FS

func main() {
	var cfg config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	l, err := logging.NewLogger(cfg.Debug, cfg.LogLevel)
	if err != nil {
		log.Fatalf("error creating logger: %s", err)
	}
	defer func() {
		// Syncing stderr fails on some platforms, nothing to do about it
		_ = l.Sync()
	}()
	l.Infow("parsed config", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, l, cfg); err != nil {
		l.Fatalw("exiting", "err", err)
	}
}

// run builds every component before starting any of them, then serves until
// ctx is done or one of them fails
func run(ctx context.Context, l *zap.SugaredLogger, cfg config) error {

	// Connect to the database
	sqlDB, err := setupDB(cfg)
	if err != nil {
		return fmt.Errorf("error opening db: %s", err)
	}
	defer sqlDB.Close()
	d := db.New(sqlDB)

	clk := clockwork.NewRealClock()

	dCli := discord.NewClient(
		discord.ClientConfig{
			AppID: cfg.DiscordAppID,
			Token: cfg.DiscordToken,
		},
		l.Named("discord_client"),
	)

	syncer := rolesync.New(
		l.Named("rolesync"),
		rolesync.Config{
			Workers:        cfg.SyncWorkers,
			QueueSize:      cfg.SyncQueueSize,
			Attempts:       cfg.SyncAttempts,
			Backoff:        cfg.SyncBackoff,
			CallsPerSecond: cfg.RoleCallsPerSecond,
		},
		dCli,
		d,
		clk,
	)
	syncer.OnLevelUp(levelUpNotifier(l.Named("notifier"), dCli))

	cooldowns := cooldown.New()

	cr := core.New(l.Named("engine"), d, cooldowns, syncer, clk, core.Config{
		DefaultXPRate:          cfg.DefaultXPRate,
		DefaultCooldownSeconds: cfg.DefaultXPCooldown,
	})

	if !cfg.SkipRegister {
		for _, guildID := range cfg.DiscordGuildIDs {
			if err := dCli.RegisterCommands(ctx, guildID); err != nil {
				return fmt.Errorf("error registering commands for guild '%s': %s", guildID, err)
			}
		}
	}

	s, err := discserv.New(
		l.Named("discserv"),
		discserv.Config{
			Port:        cfg.Port,
			VerifyKey:   cfg.DiscordVerifyKey,
			TLSCertFile: cfg.TLSCertFile,
			TLSKeyFile:  cfg.TLSKeyFile,
			OwnerID:     cfg.OwnerID,
		},
		cr,
	)
	if err != nil {
		return fmt.Errorf("error creating discord server: %s", err)
	}

	var ls *gateway.Listener
	if !cfg.SkipGateway {
		ls, err = gateway.New(
			l.Named("gateway"),
			gateway.Config{
				Token:            cfg.DiscordToken,
				MinMessageLength: cfg.MinMessageLength,
				BaseWeight:       cfg.BaseEventWeight,
			},
			cr,
		)
		if err != nil {
			return fmt.Errorf("error creating gateway listener: %s", err)
		}
	}

	sweeper, err := cooldown.NewSweeper(cooldowns, clk, cfg.CooldownSweepInterval, l.Named("cooldown"))
	if err != nil {
		return fmt.Errorf("error creating cooldown sweeper: %s", err)
	}

	// Workers outlive ctx so Stop can let them drain
	syncer.Start(context.Background())
	sweeper.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Infof("serving on port %d", cfg.Port)
		var err error
		if s.TLSConfig != nil {
			err = s.ListenAndServeTLS("", "")
		} else {
			err = s.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error while serving: %s", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutCtx)
	})

	if ls != nil {
		g.Go(func() error {
			return ls.Run(ctx)
		})
	}

	err = g.Wait()

	l.Infow("shutting down", "grace", cfg.ShutdownGrace)
	syncer.Stop(cfg.ShutdownGrace)
	if serr := sweeper.Shutdown(); serr != nil {
		l.Warnw("error shutting down cooldown sweeper", "err", serr)
	}

	return err
}

type dmSender interface {
	SendDM(ctx context.Context, userID uint64, content string) error
}

// levelUpNotifier logs every level up and DMs the member when their guild allows it
func levelUpNotifier(l *zap.SugaredLogger, dm dmSender) rolesync.Notifier {
	return func(ctx context.Context, lu rolesync.LevelUp) {
		l.Infow("member leveled up",
			"guild_id", lu.GuildID,
			"user_id", lu.UserID,
			"prev_level", lu.PrevLevel,
			"new_level", lu.NewLevel,
			"roles_owed", len(lu.RolesOwed),
		)
		if !lu.DMNotifications {
			return
		}

		msg := fmt.Sprintf("🎉 You reached **Level %d**!", lu.NewLevel)
		if len(lu.RolesOwed) > 0 {
			msg += fmt.Sprintf(" You earned %d new role(s).", len(lu.RolesOwed))
		}
		if err := dm.SendDM(ctx, lu.UserID, msg); err != nil {
			l.Warnw("error sending level up dm", "user_id", lu.UserID, "err", err)
		}
	}
}

type config struct {
	Debug    bool   `env:"DEBUG"`
	LogLevel string `env:"LOG_LEVEL"`

	// Server
	Port        int    `env:"PORT"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Database
	DBPath string `env:"DB_PATH"`

	// Discord stuffs
	DiscordToken     string   `env:"DISCORD_TOKEN"`
	DiscordAppID     string   `env:"DISCORD_APP_ID"`
	DiscordGuildIDs  []string `env:"DISCORD_GUILD_IDS"`
	DiscordVerifyKey string   `env:"DISCORD_VERIFY_KEY"`
	// If we should not try to register commands with discord
	SkipRegister bool `env:"SKIP_REGISTER"`
	// If we should not connect to the gateway, so no XP is awarded
	SkipGateway bool   `env:"SKIP_GATEWAY"`
	OwnerID     string `env:"OWNER_ID"`

	// Leveling
	DefaultXPRate     float64 `env:"DEFAULT_XP_RATE,default=10"`
	DefaultXPCooldown int     `env:"DEFAULT_XP_COOLDOWN,default=60"`
	BaseEventWeight   float64 `env:"BASE_EVENT_WEIGHT,default=1"`
	MinMessageLength  int     `env:"MIN_MESSAGE_LENGTH,default=1"`

	// Role sync
	SyncWorkers        int           `env:"SYNC_WORKERS,default=8"`
	SyncQueueSize      int           `env:"SYNC_QUEUE_SIZE,default=64"`
	SyncAttempts       int           `env:"SYNC_ATTEMPTS,default=3"`
	SyncBackoff        time.Duration `env:"SYNC_BACKOFF,default=500ms"`
	RoleCallsPerSecond float64       `env:"ROLE_CALLS_PER_SECOND,default=5"`

	CooldownSweepInterval time.Duration `env:"COOLDOWN_SWEEP_INTERVAL,default=5m"`
	ShutdownGrace         time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
}

func (c config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("port", c.Port)
	enc.AddString("db_path", c.DBPath)
	enc.AddString("tls_cert_file", c.TLSCertFile)
	enc.AddString("tls_key_file", c.TLSKeyFile)
	enc.AddString("discord_app_id", c.DiscordAppID)
	enc.AddInt("discord_guild_count", len(c.DiscordGuildIDs))
	enc.AddBool("skip_register", c.SkipRegister)
	enc.AddBool("skip_gateway", c.SkipGateway)
	enc.AddFloat64("default_xp_rate", c.DefaultXPRate)
	enc.AddInt("default_xp_cooldown", c.DefaultXPCooldown)
	enc.AddFloat64("base_event_weight", c.BaseEventWeight)
	enc.AddInt("min_message_length", c.MinMessageLength)
	enc.AddInt("sync_workers", c.SyncWorkers)
	enc.AddInt("sync_queue_size", c.SyncQueueSize)
	enc.AddInt("sync_attempts", c.SyncAttempts)
	enc.AddDuration("sync_backoff", c.SyncBackoff)
	enc.AddFloat64("role_calls_per_second", c.RoleCallsPerSecond)
	enc.AddDuration("cooldown_sweep_interval", c.CooldownSweepInterval)
	enc.AddDuration("shutdown_grace", c.ShutdownGrace)

	return nil
}

// Connects to the db and migrates it
func setupDB(c config) (*sqlx.DB, error) {
	u, err := url.Parse(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("error parsing db path: %s", err)
	}
	q := u.Query()
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	u.RawQuery = q.Encode()

	db, err := sqlx.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("error opening db: %s", err)
	}

	// Perform migrations
	ups, err := f.ReadDir("migrate")
	if err != nil {
		return nil, fmt.Errorf("error reading migration dir: %s", err)
	}

	for _, up := range ups {
		if up.IsDir() || !strings.HasSuffix(up.Name(), ".sql") {
			continue
		}

		upBytes, err := f.ReadFile(filepath.Join("migrate", up.Name()))
		if err != nil {
			return nil, fmt.Errorf("error reading up file: %s", err)
		}

		if _, err := db.Exec(string(upBytes)); err != nil {
			return nil, fmt.Errorf("error executing up query for file %s: %s", up.Name(), err)
		}
	}

	return db, nil
}
