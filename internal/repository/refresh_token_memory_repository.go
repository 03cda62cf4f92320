package repository

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

// MemoryRefreshTokenRepository keeps refresh tokens in process memory. Read-evict-insert for one
// principal runs under that principal's lock; the shared maps are only locked while they are
// read or swapped, so different principals never wait on each other's bound enforcement.
type MemoryRefreshTokenRepository struct {
	maxActive int
	locks     *keyedMutex

	// mu guards the maps. A principal's slice is replaced, never mutated in place, and only by
	// the holder of that principal's keyed lock.
	mu          sync.RWMutex
	byPrincipal map[string][]*models.RefreshToken
	byHash      map[string]*models.RefreshToken
}

// NewMemoryRefreshTokenRepository creates an in-memory store enforcing maxActive tokens per principal.
func NewMemoryRefreshTokenRepository(maxActive int) *MemoryRefreshTokenRepository {
	if maxActive < 1 {
		maxActive = 1
	}
	return &MemoryRefreshTokenRepository{
		maxActive:   maxActive,
		locks:       newKeyedMutex(),
		byPrincipal: make(map[string][]*models.RefreshToken),
		byHash:      make(map[string]*models.RefreshToken),
	}
}

// Add evicts the oldest tokens by creation time when the bound is reached, then inserts.
func (r *MemoryRefreshTokenRepository) Add(ctx context.Context, token *models.RefreshToken) (int, error) {
	if err := prepareRefreshToken(token); err != nil {
		return 0, err
	}
	unlock := r.locks.Lock(token.PrincipalID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.insert(r.tokensOf(token.PrincipalID), token, "")
}

// Rotate replaces the principal's token holding presented with next. When presented is not
// stored for the principal nothing changes and RevokeNotFound is returned.
func (r *MemoryRefreshTokenRepository) Rotate(ctx context.Context, principalID, presented string, next *models.RefreshToken) (int, models.RevokeResult, error) {
	if err := prepareRefreshToken(next); err != nil {
		return 0, models.RevokeNotFound, err
	}
	unlock := r.locks.Lock(principalID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return 0, models.RevokeNotFound, err
	}

	hash := HashSecret(presented)
	tokens, found := without(r.tokensOf(principalID), hash)
	if !found {
		return 0, models.RevokeNotFound, nil
	}
	evicted, err := r.insert(tokens, next, hash)
	if err != nil {
		return 0, models.RevokeNotFound, err
	}
	return evicted, models.RevokeRemoved, nil
}

// Validate reports whether the principal holds an unexpired token with this secret.
func (r *MemoryRefreshTokenRepository) Validate(ctx context.Context, principalID, secret string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	token, ok := r.byHash[HashSecret(secret)]
	r.mu.RUnlock()

	if !ok || token.PrincipalID != principalID {
		return false, nil
	}
	return token.ActiveAt(at), nil
}

// Revoke removes the principal's token with this secret.
func (r *MemoryRefreshTokenRepository) Revoke(ctx context.Context, principalID, secret string) (models.RevokeResult, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return models.RevokeNotFound, err
	}

	hash := HashSecret(secret)
	tokens, found := without(r.tokensOf(principalID), hash)
	if !found {
		return models.RevokeNotFound, nil
	}

	r.mu.Lock()
	delete(r.byHash, hash)
	r.setTokens(principalID, tokens)
	r.mu.Unlock()
	return models.RevokeRemoved, nil
}

// LookupIssuingIP returns the address recorded when the token was issued, or "".
func (r *MemoryRefreshTokenRepository) LookupIssuingIP(ctx context.Context, secret string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	token, ok := r.byHash[HashSecret(secret)]
	r.mu.RUnlock()

	if !ok || token.IssuingIP == nil {
		return "", nil
	}
	return *token.IssuingIP, nil
}

// Count returns the number of stored tokens for the principal, expired ones included.
func (r *MemoryRefreshTokenRepository) Count(principalID string) int {
	return len(r.tokensOf(principalID))
}

func (r *MemoryRefreshTokenRepository) tokensOf(principalID string) []*models.RefreshToken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPrincipal[principalID]
}

// insert evicts from tokens, which already lacks the token being replaced (if any), and stores
// token. The caller holds the principal's keyed lock.
func (r *MemoryRefreshTokenRepository) insert(tokens []*models.RefreshToken, token *models.RefreshToken, replaced string) (int, error) {
	evicted := evictionCount(len(tokens), r.maxActive)
	var dropped []string
	for i := 0; i < evicted; i++ {
		oldest := oldestIndex(tokens)
		dropped = append(dropped, tokens[oldest].TokenHash)
		tokens, _ = without(tokens, tokens[oldest].TokenHash)
	}

	stored := *token
	stored.Secret = ""
	next := make([]*models.RefreshToken, 0, len(tokens)+1)
	next = append(next, tokens...)
	next = append(next, &stored)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byHash[stored.TokenHash]; exists {
		return 0, ErrDuplicateRefreshToken
	}
	if replaced != "" {
		delete(r.byHash, replaced)
	}
	for _, hash := range dropped {
		delete(r.byHash, hash)
	}
	r.byHash[stored.TokenHash] = &stored
	r.setTokens(stored.PrincipalID, next)
	return evicted, nil
}

func (r *MemoryRefreshTokenRepository) setTokens(principalID string, tokens []*models.RefreshToken) {
	if len(tokens) == 0 {
		delete(r.byPrincipal, principalID)
		return
	}
	r.byPrincipal[principalID] = tokens
}

// without returns a copy of tokens lacking the token with hash, and whether it was present.
func without(tokens []*models.RefreshToken, hash string) ([]*models.RefreshToken, bool) {
	out := make([]*models.RefreshToken, 0, len(tokens))
	found := false
	for _, t := range tokens {
		if t.TokenHash == hash {
			found = true
			continue
		}
		out = append(out, t)
	}
	return out, found
}

// oldestIndex picks the earliest creation time; ties keep insertion order.
func oldestIndex(tokens []*models.RefreshToken) int {
	idx := 0
	for i := 1; i < len(tokens); i++ {
		if tokens[i].CreatedAt.Before(tokens[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}

// keyedMutex hands out one mutex per key and forgets it once no goroutine holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
