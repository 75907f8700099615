package joblock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker serializes users within one process only.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[int64]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[int64]lease), now: time.Now}
}

var _ Locker = (*MemoryLocker)(nil)

func (l *MemoryLocker) Acquire(_ context.Context, userID int64, ttl time.Duration) (Token, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[userID]; ok && now.Before(cur.expiresAt) {
		return Token{}, false, nil
	}
	tok := newToken(userID)
	l.leases[userID] = lease{token: tok.Value, expiresAt: now.Add(ttlOrDefault(ttl))}
	return tok, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, tok Token) (bool, error) {
	if tok.Value == "" {
		return false, ErrInvalidToken
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[tok.UserID]
	if !ok || cur.token != tok.Value {
		return false, nil
	}
	delete(l.leases, tok.UserID)
	return true, nil
}

func (l *MemoryLocker) IsLocked(_ context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[userID]
	return ok && l.now().Before(cur.expiresAt), nil
}

func (l *MemoryLocker) ForceRelease(_ context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.leases[userID]
	delete(l.leases, userID)
	return ok, nil
}
