// Package discserv provides a way to run an http server
// with logging and other necessary things
package discserv

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jdholdren/levels/internal/core"
	"github.com/jdholdren/levels/internal/core/models"
)

const leaderboardPageSize = 10

// Engine is the part of the leveling core the slash commands front
type Engine interface {
	Standing(ctx context.Context, guildID, userID uint64) (models.Standing, error)
	LeaderboardPage(ctx context.Context, guildID uint64, page, perPage int) ([]models.LeaderboardEntry, bool, error)
	SetReward(ctx context.Context, guildID uint64, level int, roleID uint64) error
	RemoveReward(ctx context.Context, guildID uint64, level int) error
	ListRewards(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error)
	UpdateSettings(ctx context.Context, guildID uint64, fn func(*models.GuildSettings)) (models.GuildSettings, error)
	ResetGuild(ctx context.Context, guildID uint64) error
}

type Config struct {
	Port        int
	VerifyKey   string
	TLSCertFile string
	TLSKeyFile  string
	// OwnerID is the only user allowed to run /resetdb
	OwnerID string
}

type Server struct {
	*http.Server

	eng     Engine
	key     ed25519.PublicKey
	ownerID string
	l       *zap.SugaredLogger
}

func New(l *zap.SugaredLogger, c Config, eng Engine) (*Server, error) {
	r := mux.NewRouter()

	keyBytes, err := hex.DecodeString(c.VerifyKey)
	if err != nil {
		return nil, fmt.Errorf("error decoding verify key: %s", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key is %d bytes, want %d", len(keyBytes), ed25519.PublicKeySize)
	}

	s := &Server{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", c.Port),
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		eng:     eng,
		key:     ed25519.PublicKey(keyBytes),
		ownerID: c.OwnerID,
		l:       l,
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading tls key pair: %s", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	r.HandleFunc("/interactions", s.handleDiscordInteraction()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealthCheck()).Methods(http.MethodGet)

	r.Use(loggingMiddleware(l))

	return s, nil
}

func loggingMiddleware(l *zap.SugaredLogger) mux.MiddlewareFunc {
	// God i hate the nesting
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.RequestURI == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			next.ServeHTTP(w, r)
			l.Infow("request handled", "uri", r.RequestURI, "method", r.Method, "duration", time.Since(start))
		})
	}
}

// What Discord sends us
type interaction struct {
	Type    uint            `json:"type"`
	Data    interactionData `json:"data"`
	GuildID string          `json:"guild_id"`
	Member  *guildMember    `json:"member"`
	Token   string          `json:"token"`
}

type guildMember struct {
	User interactionUser `json:"user"`
}

type interactionData struct {
	Name     string              `json:"name"`
	Options  []interactionOption `json:"options"`
	Resolved resolvedData        `json:"resolved"`
}

type interactionOption struct {
	Name    string              `json:"name"`
	Type    uint                `json:"type"`
	Value   any                 `json:"value"`
	Options []interactionOption `json:"options"`
}

type resolvedData struct {
	Users map[string]interactionUser `json:"users"`
}

type interactionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleDiscordInteraction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !discordgo.VerifyInteraction(r, s.key) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var i interaction
		if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
			http.Error(w, fmt.Sprintf("error decoding: %s", err), http.StatusBadRequest)
			return
		}

		// Determine which handler to use
		if i.Type == 1 {
			s.handlePing(w)
			return
		}

		if i.Type != 2 {
			http.Error(w, fmt.Sprintf("unsupported interaction type %d", i.Type), http.StatusBadRequest)
			return
		}

		guildID, err := strconv.ParseUint(i.GuildID, 10, 64)
		if err != nil || i.Member == nil {
			writeMsgResponse(w, "This command can only be used in a server!", true)
			return
		}

		switch i.Data.Name {
		case "level":
			s.handleLevel(w, r, guildID, i)
		case "leaderboard":
			s.handleLeaderboard(w, r, guildID, i.Data)
		case "levelconfig":
			s.handleLevelConfig(w, r, guildID, i.Data)
		case "resetdb":
			s.handleResetDB(w, r, guildID, i)
		default:
			writeMsgResponse(w, fmt.Sprintf("Unknown command '%s'", i.Data.Name), true)
		}
	}
}

func (s *Server) handlePing(w http.ResponseWriter) {
	w.Header().Add("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{ "type": 1 }`))
}

type messageResponse struct {
	Type int         `json:"type"`
	Data messageData `json:"data"`
}

type messageData struct {
	TTS             bool            `json:"tts"`
	Content         string          `json:"content"`
	Embeds          []any           `json:"embeds"`
	Flags           int             `json:"flags,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

const flagEphemeral = 1 << 6

func writeMsgResponse(w http.ResponseWriter, message string, ephemeral bool) {
	resp := messageResponse{
		Type: 4, // CHANNEL_MESSAGE_WITH_SOURCE
		Data: messageData{
			Content: message,
			Embeds:  []any{},
			// Mentions render but never ping
			AllowedMentions: allowedMentions{Parse: []string{}},
		},
	}
	if ephemeral {
		resp.Data.Flags = flagEphemeral
	}

	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEngineErr replies to a failed engine call. Validation errors are shown
// as is; anything else gets the generic retry message.
func (s *Server) writeEngineErr(w http.ResponseWriter, command string, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidLevel), errors.Is(err, core.ErrInvalidSetting):
		writeMsgResponse(w, fmt.Sprintf("❌ %s", err), true)
	default:
		s.l.Errorw("error handling command", "command", command, "err", err)
		writeMsgResponse(w, "❌ Something went wrong, please try again.", true)
	}
}

func handleHealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {}
}

func findOption(opts []interactionOption, name string) (interactionOption, bool) {
	for _, o := range opts {
		if o.Name == name {
			return o, true
		}
	}
	return interactionOption{}, false
}

// Integer and number options arrive as json numbers, snowflakes as strings
func optionInt(opts []interactionOption, name string) (int, bool) {
	o, ok := findOption(opts, name)
	if !ok {
		return 0, false
	}
	switch v := o.Value.(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func optionFloat(opts []interactionOption, name string) (float64, bool) {
	o, ok := findOption(opts, name)
	if !ok {
		return 0, false
	}
	v, ok := o.Value.(float64)
	return v, ok
}

func optionBool(opts []interactionOption, name string) (bool, bool) {
	o, ok := findOption(opts, name)
	if !ok {
		return false, false
	}
	v, ok := o.Value.(bool)
	return v, ok
}

func optionString(opts []interactionOption, name string) (string, bool) {
	o, ok := findOption(opts, name)
	if !ok {
		return "", false
	}
	v, ok := o.Value.(string)
	return v, ok
}

func optionSnowflake(opts []interactionOption, name string) (uint64, bool) {
	v, ok := optionString(opts, name)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	return id, err == nil
}
