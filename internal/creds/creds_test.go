package creds

import (
	"errors"
	"testing"
	"time"
)

type countingTrigger struct{ n int }

func (c *countingTrigger) Trigger() { c.n++ }

func newTestPool() (*Pool, *countingTrigger, *time.Time) {
	trigger := &countingTrigger{}
	p := NewPool(trigger)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, trigger, &now
}

func TestIssueTriggersSync(t *testing.T) {
	p, trigger, _ := newTestPool()

	cred, err := p.Issue("abcd1234")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if cred.Path != "abcd1234" || cred.User == "" || cred.Pass == "" {
		t.Errorf("incomplete credential: %+v", cred)
	}
	if trigger.n != 1 {
		t.Errorf("sync triggers = %d, want 1", trigger.n)
	}
	if got := len(p.Creds()); got != 1 {
		t.Errorf("live creds = %d, want 1", got)
	}
}

func TestPoolCap(t *testing.T) {
	p, _, _ := newTestPool()

	for i := 0; i < maxPool; i++ {
		if _, err := p.Issue("abcd1234"); err != nil {
			t.Fatalf("Issue %d failed: %v", i, err)
		}
	}
	if _, err := p.Issue("abcd1234"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestUnusedCredExpires(t *testing.T) {
	p, _, now := newTestPool()

	if _, err := p.Issue("abcd1234"); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(unusedTTL + time.Second)
	p.mu.Lock()
	p.expireLocked(p.now())
	p.mu.Unlock()

	if got := len(p.Creds()); got != 0 {
		t.Errorf("unused cred survived its TTL, %d live", got)
	}
}

func TestUsedCredLivesLonger(t *testing.T) {
	p, _, now := newTestPool()

	cred, err := p.Issue("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Authenticate(cred.User, cred.Pass, "abcd1234") {
		t.Fatal("valid credential rejected")
	}

	*now = now.Add(unusedTTL + time.Second)
	p.mu.Lock()
	p.expireLocked(p.now())
	p.mu.Unlock()
	if got := len(p.Creds()); got != 1 {
		t.Fatalf("used cred expired at the unused TTL")
	}

	*now = now.Add(usedTTL)
	p.mu.Lock()
	p.expireLocked(p.now())
	p.mu.Unlock()
	if got := len(p.Creds()); got != 0 {
		t.Errorf("used cred survived its TTL, %d live", got)
	}
}

func TestAuthenticate(t *testing.T) {
	p, _, now := newTestPool()

	scoped, err := p.Issue("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	open, err := p.Issue("")
	if err != nil {
		t.Fatal(err)
	}

	if p.Authenticate(scoped.User, "wrong", "abcd1234") {
		t.Error("wrong password accepted")
	}
	if p.Authenticate("v_nobody", scoped.Pass, "abcd1234") {
		t.Error("unknown user accepted")
	}
	if p.Authenticate(scoped.User, scoped.Pass, "otherpath") {
		t.Error("path-scoped credential opened another path")
	}
	if !p.Authenticate(scoped.User, scoped.Pass, "abcd1234") {
		t.Error("valid scoped credential rejected")
	}
	if !p.Authenticate(open.User, open.Pass, "anything") {
		t.Error("unscoped credential rejected")
	}

	// Expired credentials fail even with the right password.
	*now = now.Add(usedTTL + time.Second)
	if p.Authenticate(scoped.User, scoped.Pass, "abcd1234") {
		t.Error("expired credential accepted")
	}
}

func TestExpiryMakesRoom(t *testing.T) {
	p, _, now := newTestPool()

	for i := 0; i < maxPool; i++ {
		if _, err := p.Issue("abcd1234"); err != nil {
			t.Fatal(err)
		}
	}

	*now = now.Add(unusedTTL + time.Second)
	if _, err := p.Issue("abcd1234"); err != nil {
		t.Errorf("Issue after expiry failed: %v", err)
	}
	if got := len(p.Creds()); got != 1 {
		t.Errorf("live creds = %d, want 1", got)
	}
}
