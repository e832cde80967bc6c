// Package rolesync reconciles a member's level reward roles on the external
// platform after a level change.
//
// Reconciliation is best effort. Every grant or revoke is retried on its own
// with exponential backoff, failures are logged and dropped, and whatever is
// still wrong gets another chance on the user's next level change.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdholdren/levels/internal/core/models"
)

// ErrRoleCallFailed wraps role calls that were still failing after every attempt
var ErrRoleCallFailed = errors.New("external role call failed")

// A LevelUp is an instruction to bring a member's reward roles in line with
// the roles owed for the levels they just crossed.
type LevelUp struct {
	GuildID         uint64
	UserID          uint64
	PrevLevel       int
	NewLevel        int
	RolesOwed       []uint64
	DMNotifications bool
}

// RoleAssigner is the external platform. Grant and revoke are idempotent.
type RoleAssigner interface {
	MemberRoles(ctx context.Context, guildID, userID uint64) ([]uint64, error)
	GrantRole(ctx context.Context, guildID, userID, roleID uint64) error
	RevokeRole(ctx context.Context, guildID, userID, roleID uint64) error
}

// RuleLister returns every reward rule configured for a guild, and the roles
// of rules that were removed since
type RuleLister interface {
	ListLevelRoles(ctx context.Context, guildID uint64) ([]models.LevelRewardRule, error)
	ListRetiredLevelRoles(ctx context.Context, guildID uint64) ([]uint64, error)
}

// Notifier is told about each level up once its roles have been reconciled
type Notifier func(ctx context.Context, lu LevelUp)

type Config struct {
	Workers   int
	QueueSize int
	// Attempts per external call, including the first
	Attempts int
	// Backoff before the second attempt; doubles after each failure
	Backoff        time.Duration
	CallsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	return c
}

// Synchronizer consumes LevelUps on a pool of workers. A given user always
// lands on the same worker, so one user's syncs run in the order they were
// enqueued while other users proceed in parallel.
type Synchronizer struct {
	cfg     Config
	roles   RoleAssigner
	rules   RuleLister
	notify  Notifier
	clk     clockwork.Clock
	limiter *rate.Limiter
	l       *zap.SugaredLogger
	queues  []chan LevelUp
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool
	started bool
}

// New builds a synchronizer. Nothing runs until Start.
func New(l *zap.SugaredLogger, cfg Config, roles RoleAssigner, rules RuleLister, clk clockwork.Clock) *Synchronizer {
	cfg = cfg.withDefaults()

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.CallsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}

	queues := make([]chan LevelUp, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan LevelUp, cfg.QueueSize)
	}

	return &Synchronizer{
		cfg:     cfg,
		roles:   roles,
		rules:   rules,
		clk:     clk,
		limiter: lim,
		l:       l,
		queues:  queues,
	}
}

// OnLevelUp sets the hook called after each reconciled level up. It must be
// called before Start.
func (s *Synchronizer) OnLevelUp(n Notifier) {
	s.notify = n
}

// Start launches the workers. They run until Stop.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for i, q := range s.queues {
		s.wg.Add(1)
		go s.work(ctx, i, q)
	}
}

// Enqueue hands a level up to its worker without blocking. It returns false
// if the synchronizer is stopped or that worker's queue is full; the
// instruction is dropped and the user's next level change re-syncs.
func (s *Synchronizer) Enqueue(lu LevelUp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}

	q := s.queues[workerFor(lu.GuildID, lu.UserID, len(s.queues))]
	select {
	case q <- lu:
		return true
	default:
		s.l.Warnw("role sync queue full, dropping level up",
			"guild_id", lu.GuildID,
			"user_id", lu.UserID,
			"new_level", lu.NewLevel,
		)
		return false
	}
}

// Stop closes the queues and lets workers drain them for up to grace. After
// that, in-flight calls and retries are cancelled. Stop blocks until every
// worker has returned.
func (s *Synchronizer) Stop(grace time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, q := range s.queues {
		close(q)
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-s.clk.After(grace):
		s.l.Warnw("role sync grace period elapsed, abandoning in-flight syncs", "grace", grace)
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Synchronizer) work(ctx context.Context, id int, q <-chan LevelUp) {
	defer s.wg.Done()
	l := s.l.With("worker", id)

	for lu := range q {
		if ctx.Err() != nil {
			l.Debugw("skipping level up after cancellation", "guild_id", lu.GuildID, "user_id", lu.UserID)
			continue
		}

		if err := s.Sync(ctx, lu.GuildID, lu.UserID, lu.RolesOwed); err != nil {
			l.Errorw("role sync left member inconsistent",
				"guild_id", lu.GuildID,
				"user_id", lu.UserID,
				"new_level", lu.NewLevel,
				"err", err,
			)
		}

		if s.notify != nil {
			s.notify(ctx, lu)
		}
	}
}

// Sync brings the member's configured reward roles in line with owed: roles
// owed but not held are granted, and configured roles held but not owed are
// revoked. Roles of removed rules count as configured, so they go too. Roles
// that no rule ever mentioned are never touched. If the member's
// current roles can't be read, owed roles are granted anyway (grants are
// idempotent) and revokes wait for a later sync.
func (s *Synchronizer) Sync(ctx context.Context, guildID, userID uint64, owed []uint64) error {
	rules, err := s.rules.ListLevelRoles(ctx, guildID)
	if err != nil {
		return fmt.Errorf("error listing level roles: %w", err)
	}

	retired, err := s.rules.ListRetiredLevelRoles(ctx, guildID)
	if err != nil {
		return fmt.Errorf("error listing retired level roles: %w", err)
	}

	configured := map[uint64]bool{}
	for _, r := range rules {
		configured[r.RoleID] = true
	}
	for _, r := range retired {
		configured[r] = true
	}
	owedSet := map[uint64]bool{}
	for _, r := range owed {
		owedSet[r] = true
	}

	var held map[uint64]bool
	var current []uint64
	err = s.retry(ctx, "member_roles", func(ctx context.Context) error {
		var err error
		current, err = s.roles.MemberRoles(ctx, guildID, userID)
		return err
	})
	if err == nil {
		held = map[uint64]bool{}
		for _, r := range current {
			held[r] = true
		}
	}

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("error reading member roles: %w", err))
	}

	for _, roleID := range owed {
		if held != nil && held[roleID] {
			continue
		}
		err := s.retry(ctx, "grant", func(ctx context.Context) error {
			return s.roles.GrantRole(ctx, guildID, userID, roleID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("error granting role %d: %w", roleID, err))
		}
	}

	for roleID := range held {
		if !configured[roleID] || owedSet[roleID] {
			continue
		}
		err := s.retry(ctx, "revoke", func(ctx context.Context) error {
			return s.roles.RevokeRole(ctx, guildID, userID, roleID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("error revoking role %d: %w", roleID, err))
		}
	}

	return errors.Join(errs...)
}

// retry runs fn up to Attempts times, waiting Backoff, 2*Backoff, ... between
// tries. Errors that say they are not transient end it early.
func (s *Synchronizer) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := s.cfg.Backoff

	var err error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%w: %s abandoned: %w", ErrRoleCallFailed, op, werr)
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !transient(err) || attempt == s.cfg.Attempts {
			break
		}

		s.l.Debugw("role call failed, will retry", "op", op, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-s.clk.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s abandoned: %w", ErrRoleCallFailed, op, ctx.Err())
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: %s: %w", ErrRoleCallFailed, op, err)
}

// transient is false only for errors that say so
func transient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return true
}

func workerFor(guildID, userID uint64, n int) int {
	h := (guildID*0x9E3779B97F4A7C15 ^ userID) * 0xBF58476D1CE4E5B9
	return int((h >> 32) % uint64(n))
}
