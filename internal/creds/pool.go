// Package creds issues short-lived viewer credentials for WHEP
// playback. Credentials live in memory only; a restart invalidates
// them all, and players simply re-request.
package creds

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/argus-nvr/argus/internal/metrics"
	"github.com/argus-nvr/argus/internal/router"
)

const (
	maxPool         = 16
	unusedTTL       = 60 * time.Second
	usedTTL         = 5 * time.Minute
	janitorInterval = 10 * time.Second
)

// ErrPoolExhausted means the cap was hit with no expired entries to
// evict.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Credential is one issued viewer credential.
type Credential struct {
	User      string    `json:"user"`
	Pass      string    `json:"pass"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
}

type entry struct {
	cred     Credential
	issuedAt time.Time
	usedAt   time.Time // zero until the viewer connects
}

// syncTrigger schedules a router config sync; satisfied by
// router.Syncer.
type syncTrigger interface {
	Trigger()
}

// Pool holds the live credentials and pushes them into the router via
// the syncer.
type Pool struct {
	syncer syncTrigger

	mu      sync.Mutex
	entries map[string]*entry // keyed by user

	now func() time.Time
}

func NewPool(syncer syncTrigger) *Pool {
	return &Pool{
		syncer:  syncer,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Issue creates a credential scoped to one stream path. A credential
// not used within a minute expires; a used one lasts five.
func (p *Pool) Issue(path string) (*Credential, error) {
	p.mu.Lock()
	now := p.now()
	p.expireLocked(now)
	if len(p.entries) >= maxPool {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	e := &entry{
		cred: Credential{
			User:      "v_" + randomHex(8),
			Pass:      randomHex(16),
			Path:      path,
			ExpiresAt: now.Add(unusedTTL),
		},
		issuedAt: now,
	}
	p.entries[e.cred.User] = e
	metrics.StreamCredsActive.Set(float64(len(p.entries)))
	p.mu.Unlock()

	p.syncer.Trigger()
	cred := e.cred
	return &cred, nil
}

// Authenticate checks a viewer credential for the router's auth
// callback. A credential issued for a specific path only opens that
// path; an empty path opens any. A successful first use extends the
// credential to the used lifetime.
func (p *Pool) Authenticate(user, pass, path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.expireLocked(now)
	e, ok := p.entries[user]
	if !ok || subtle.ConstantTimeCompare([]byte(e.cred.Pass), []byte(pass)) != 1 {
		return false
	}
	if e.cred.Path != "" && e.cred.Path != path {
		return false
	}
	if e.usedAt.IsZero() {
		e.usedAt = now
		e.cred.ExpiresAt = now.Add(usedTTL)
	}
	return true
}

// Creds returns the live credentials for the router state build.
func (p *Pool) Creds() []router.ViewerCred {
	p.mu.Lock()
	defer p.mu.Unlock()

	creds := make([]router.ViewerCred, 0, len(p.entries))
	for _, e := range p.entries {
		creds = append(creds, router.ViewerCred{
			User: e.cred.User,
			Pass: e.cred.Pass,
			Path: e.cred.Path,
		})
	}
	return creds
}

// Run expires credentials until ctx is done, resyncing the router when
// any lapse.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			expired := p.expireLocked(p.now())
			p.mu.Unlock()
			if expired > 0 {
				p.syncer.Trigger()
			}
		}
	}
}

// expireLocked drops lapsed entries and returns how many went.
func (p *Pool) expireLocked(now time.Time) int {
	expired := 0
	for user, e := range p.entries {
		deadline := e.issuedAt.Add(unusedTTL)
		if !e.usedAt.IsZero() {
			deadline = e.usedAt.Add(usedTTL)
		}
		if now.After(deadline) {
			delete(p.entries, user)
			expired++
		}
	}
	if expired > 0 {
		metrics.StreamCredsActive.Set(float64(len(p.entries)))
	}
	return expired
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
