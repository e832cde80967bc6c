// Package cooldown gates how often a user can earn XP in a guild.
//
// State is in memory only. A restart forgives every outstanding cooldown.
package cooldown

import (
	"sync"
	"time"
)

const shardCount = 64

type key struct {
	guildID uint64
	userID  uint64
}

type shard struct {
	mu      sync.Mutex
	expires map[key]time.Time
}

// Tracker holds one expiry per (guild, user). Keys are spread over
// independently locked shards so unrelated users don't contend.
type Tracker struct {
	shards [shardCount]*shard
}

// New produces an empty tracker
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{expires: map[key]time.Time{}}
	}
	return t
}

func (t *Tracker) shardFor(k key) *shard {
	h := (k.guildID*0x9E3779B97F4A7C15 ^ k.userID) * 0xBF58476D1CE4E5B9
	return t.shards[h>>58] // top 6 bits; shardCount is 64
}

// TryConsume reports whether an award is allowed at now. When it is, the
// entry's expiry becomes now+cooldown before the shard is unlocked, so of two
// simultaneous calls for the same key exactly one returns true. A rejected
// call changes nothing. A cooldown of zero or less always allows.
func (t *Tracker) TryConsume(guildID, userID uint64, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}

	k := key{guildID: guildID, userID: userID}
	s := t.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[k]; ok {
		if now.Before(exp) {
			return false
		}
		// Expired: drop it here, the write below replaces it
		delete(s.expires, k)
	}
	s.expires[k] = now.Add(cooldown)

	return true
}

// Remaining returns how long until the user can earn XP again, or zero
func (t *Tracker) Remaining(guildID, userID uint64, now time.Time) time.Duration {
	k := key{guildID: guildID, userID: userID}
	s := t.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[k]
	if !ok {
		return 0
	}
	if !now.Before(exp) {
		delete(s.expires, k)
		return 0
	}
	return exp.Sub(now)
}

// Sweep evicts every entry that has expired at now and returns how many went.
// Shards are swept one at a time.
func (t *Tracker) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, exp := range s.expires {
			if !now.Before(exp) {
				delete(s.expires, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len is the number of entries held, expired or not
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.expires)
		s.mu.Unlock()
	}
	return n
}
