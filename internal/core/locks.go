package core

import "sync"

const lockShards = 64

type userKey struct {
	guildID uint64
	userID  uint64
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[userKey]*keyLock
}

// keyLocks hands out one mutex per (guild, user). Entries are reference
// counted and removed when the last holder unlocks, so the table only holds
// keys that are busy right now.
type keyLocks struct {
	shards [lockShards]*lockShard
}

func newKeyLocks() *keyLocks {
	k := &keyLocks{}
	for i := range k.shards {
		k.shards[i] = &lockShard{locks: map[userKey]*keyLock{}}
	}
	return k
}

// lock blocks until the key is held and returns its unlock func
func (k *keyLocks) lock(guildID, userID uint64) func() {
	key := userKey{guildID: guildID, userID: userID}
	h := (guildID*0x9E3779B97F4A7C15 ^ userID) * 0xBF58476D1CE4E5B9
	s := k.shards[h>>58]

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// held is the number of keys currently locked or waited on
func (k *keyLocks) held() int {
	n := 0
	for _, s := range k.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
