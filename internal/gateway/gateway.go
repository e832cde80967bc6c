// Package gateway listens on the discord gateway and feeds qualifying
// messages to the leveling engine.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/jdholdren/levels/internal/core"
)

// EventHandler is what qualifying messages are handed to
type EventHandler interface {
	HandleEvent(ctx context.Context, ev core.Event) (core.Result, error)
}

type Config struct {
	Token string
	// Messages shorter than this, after trimming, earn nothing
	MinMessageLength int
	// BaseWeight is the weight of one qualifying message
	BaseWeight float64
}

// Listener owns the gateway session
type Listener struct {
	session *discordgo.Session
	h       EventHandler
	cfg     Config

	l *zap.SugaredLogger
}

func New(l *zap.SugaredLogger, cfg Config, h EventHandler) (*Listener, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %s", err)
	}
	s.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	if cfg.BaseWeight <= 0 {
		cfg.BaseWeight = 1
	}

	return &Listener{
		session: s,
		h:       h,
		cfg:     cfg,
		l:       l,
	}, nil
}

// Run opens the gateway and blocks until ctx is cancelled. discordgo
// dispatches each message on its own goroutine.
func (ls *Listener) Run(ctx context.Context) error {
	remove := ls.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ls.handleMessage(ctx, m.Message)
	})
	defer remove()

	if err := ls.session.Open(); err != nil {
		return fmt.Errorf("error opening gateway: %s", err)
	}
	ls.l.Info("gateway connected")

	<-ctx.Done()

	if err := ls.session.Close(); err != nil {
		return fmt.Errorf("error closing gateway: %s", err)
	}
	return nil
}

func (ls *Listener) handleMessage(ctx context.Context, m *discordgo.Message) {
	ev, ok := ls.qualify(m)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := ls.h.HandleEvent(ctx, ev)
	if err != nil {
		ls.l.Errorw("error handling message event",
			"guild_id", ev.GuildID,
			"user_id", ev.UserID,
			"err", err,
		)
		return
	}

	ls.l.Debugw("handled message event",
		"guild_id", ev.GuildID,
		"user_id", ev.UserID,
		"state", res.State.String(),
		"reason", res.Reason,
		"xp", res.Amount,
	)
}

// qualify is the caller policy for what earns XP: a guild message, not from
// a bot or webhook, with at least MinMessageLength characters of content.
func (ls *Listener) qualify(m *discordgo.Message) (core.Event, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.WebhookID != "" || m.GuildID == "" {
		return core.Event{}, false
	}
	if len([]rune(strings.TrimSpace(m.Content))) < ls.cfg.MinMessageLength {
		return core.Event{}, false
	}

	guildID, err := strconv.ParseUint(m.GuildID, 10, 64)
	if err != nil {
		ls.l.Warnw("unparseable guild id", "guild_id", m.GuildID)
		return core.Event{}, false
	}
	userID, err := strconv.ParseUint(m.Author.ID, 10, 64)
	if err != nil {
		ls.l.Warnw("unparseable user id", "user_id", m.Author.ID)
		return core.Event{}, false
	}

	return core.Event{
		GuildID:    guildID,
		UserID:     userID,
		BaseWeight: ls.cfg.BaseWeight,
		OccurredAt: m.Timestamp,
	}, true
}
