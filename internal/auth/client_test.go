package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/whisper/leaderboard/internal/identity"
	"github.com/whisper/leaderboard/internal/session"
)

type fakeProvider struct {
	mu         sync.Mutex
	signUps    int
	refreshes  int
	signUpErr  error
	refreshErr error
	nextUID    string
}

func (p *fakeProvider) SignUpAnonymous(ctx context.Context) (*identity.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signUps++
	if p.signUpErr != nil {
		return nil, p.signUpErr
	}
	uid := p.nextUID
	if uid == "" {
		uid = "U-new"
	}
	return &identity.Account{LocalID: uid, IDToken: "id", RefreshToken: "refresh", ExpiresIn: time.Hour}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*identity.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &identity.Account{IDToken: "id-refreshed", RefreshToken: "refresh-2", ExpiresIn: time.Hour}, nil
}

func (p *fakeProvider) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signUps, p.refreshes
}

// flakyStore fails Load until healed.
type flakyStore struct {
	*session.MemoryStore
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) Load(ctx context.Context, deviceID string) (*session.Record, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("redis down")
	}
	return f.MemoryStore.Load(ctx, deviceID)
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	f.broken = false
	f.mu.Unlock()
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, nil }

type fakePublisher struct {
	mu     sync.Mutex
	events []StateEvent
}

func (p *fakePublisher) PublishAuthState(deviceID string, data []byte) error {
	var ev StateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func quietLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

// watch subscribes and returns a channel of delivered users.
func watch(t *testing.T, c *Client) (<-chan *User, <-chan error, func()) {
	t.Helper()
	users := make(chan *User, 8)
	errs := make(chan error, 8)
	unsubscribe := c.OnAuthStateChanged(
		func(u *User) { users <- u },
		func(err error) { errs <- err },
	)
	t.Cleanup(unsubscribe)
	return users, errs, unsubscribe
}

func recvUser(t *testing.T, ch <-chan *User) *User {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth state")
		return nil
	}
}

func TestOnAuthStateChanged_SignedOut(t *testing.T) {
	c := New(&fakeProvider{}, session.NewMemoryStore(), "dev", WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	if u := recvUser(t, users); u != nil {
		t.Fatalf("expected nil user, got %+v", u)
	}
}

func TestOnAuthStateChanged_RestoresPersistedUser(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(context.Background(), "dev", &session.Record{
		UID: "U1", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	p := &fakeProvider{}
	c := New(p, store, "dev", WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	u := recvUser(t, users)
	if u == nil || u.UID != "U1" || !u.IsAnonymous {
		t.Fatalf("expected restored U1, got %+v", u)
	}
	if signUps, refreshes := p.counts(); signUps != 0 || refreshes != 0 {
		t.Errorf("expected no provider calls, got signUps=%d refreshes=%d", signUps, refreshes)
	}
}

func TestRestore_RefreshesExpiredToken(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(context.Background(), "dev", &session.Record{
		UID: "U1", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	p := &fakeProvider{}
	c := New(p, store, "dev", WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	u := recvUser(t, users)
	if u == nil || u.IDToken != "id-refreshed" {
		t.Fatalf("expected refreshed token, got %+v", u)
	}
	rec, _ := store.Load(context.Background(), "dev")
	if rec.RefreshToken != "refresh-2" {
		t.Errorf("expected refreshed session persisted, got %+v", rec)
	}
}

func TestRestore_DiscardsRejectedSession(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(context.Background(), "dev", &session.Record{UID: "U1", RefreshToken: "r"})
	p := &fakeProvider{refreshErr: &identity.Error{Status: 400, Code: identity.CodeUserDisabled}}
	c := New(p, store, "dev", WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	if u := recvUser(t, users); u != nil {
		t.Fatalf("expected nil user, got %+v", u)
	}
	if rec, _ := store.Load(context.Background(), "dev"); rec != nil {
		t.Errorf("expected stale session deleted, got %+v", rec)
	}
}

func TestRestore_KeepsSessionOnNetworkError(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(context.Background(), "dev", &session.Record{UID: "U1", RefreshToken: "r"})
	p := &fakeProvider{refreshErr: &identity.Error{Code: identity.CodeNetworkRequestFailed}}
	c := New(p, store, "dev", WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	if u := recvUser(t, users); u == nil || u.UID != "U1" {
		t.Fatalf("expected stored user kept, got %+v", u)
	}
}

func TestRestore_ErrorGoesToFailAndRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore(), broken: true}
	c := New(&fakeProvider{}, store, "dev", WithLogger(quietLogger()))
	_, errs, unsubscribe := watch(t, c)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restore error")
	}
	unsubscribe()

	store.heal()
	users, _, _ := watch(t, c)
	if u := recvUser(t, users); u != nil {
		t.Fatalf("expected nil user after retry, got %+v", u)
	}
}

func TestSignInAnonymously_NotifiesAndPersists(t *testing.T) {
	store := session.NewMemoryStore()
	p := &fakeProvider{nextUID: "U2"}
	pub := &fakePublisher{}
	c := New(p, store, "dev", WithPublisher(pub), WithLogger(quietLogger()))
	users, _, _ := watch(t, c)

	if u := recvUser(t, users); u != nil {
		t.Fatalf("expected initial nil, got %+v", u)
	}

	u, err := c.SignInAnonymously(context.Background())
	if err != nil {
		t.Fatalf("SignInAnonymously() error: %v", err)
	}
	if u.UID != "U2" {
		t.Fatalf("expected U2, got %+v", u)
	}
	if got := recvUser(t, users); got == nil || got.UID != "U2" {
		t.Fatalf("expected subscriber to see U2, got %+v", got)
	}

	rec, _ := store.Load(context.Background(), "dev")
	if rec == nil || rec.UID != "U2" {
		t.Errorf("expected U2 persisted, got %+v", rec)
	}

	// A second call reuses the identity.
	again, err := c.SignInAnonymously(context.Background())
	if err != nil || again.UID != "U2" {
		t.Fatalf("expected U2 again, got %+v, %v", again, err)
	}
	if signUps, _ := p.counts(); signUps != 1 {
		t.Errorf("expected 1 sign-up, got %d", signUps)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0].Type != "signed_in" || pub.events[0].UID != "U2" {
		t.Errorf("unexpected published events %+v", pub.events)
	}
}

func TestSignInAnonymously_ConcurrentCallersShareAccount(t *testing.T) {
	p := &fakeProvider{}
	c := New(p, session.NewMemoryStore(), "dev", WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SignInAnonymously(context.Background()); err != nil {
				t.Errorf("SignInAnonymously() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if signUps, _ := p.counts(); signUps != 1 {
		t.Errorf("expected exactly 1 sign-up, got %d", signUps)
	}
}

func TestSignInAnonymously_ProviderError(t *testing.T) {
	p := &fakeProvider{signUpErr: &identity.Error{Status: 400, Code: identity.CodeOperationNotAllowed}}
	c := New(p, session.NewMemoryStore(), "dev", WithLogger(quietLogger()))

	_, err := c.SignInAnonymously(context.Background())
	if !identity.IsAuthMethodUnavailable(err) {
		t.Fatalf("expected classifiable auth error, got %v", err)
	}
	if c.CurrentUser() != nil {
		t.Error("expected no current user after failure")
	}
}

func TestSignInAnonymously_RateLimited(t *testing.T) {
	p := &fakeProvider{}
	c := New(p, session.NewMemoryStore(), "dev", WithLimiter(fakeLimiter{allow: false}), WithLogger(quietLogger()))

	_, err := c.SignInAnonymously(context.Background())
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if signUps, _ := p.counts(); signUps != 0 {
		t.Errorf("expected no sign-up, got %d", signUps)
	}
}

func TestSignOut(t *testing.T) {
	store := session.NewMemoryStore()
	pub := &fakePublisher{}
	c := New(&fakeProvider{nextUID: "U1"}, store, "dev", WithPublisher(pub), WithLogger(quietLogger()))

	if _, err := c.SignInAnonymously(context.Background()); err != nil {
		t.Fatalf("SignInAnonymously() error: %v", err)
	}
	users, _, _ := watch(t, c)
	if u := recvUser(t, users); u == nil {
		t.Fatal("expected signed-in user first")
	}

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}
	if u := recvUser(t, users); u != nil {
		t.Fatalf("expected nil after sign out, got %+v", u)
	}
	if rec, _ := store.Load(context.Background(), "dev"); rec != nil {
		t.Errorf("expected session deleted, got %+v", rec)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if n := len(pub.events); n != 2 || pub.events[1].Type != "signed_out" {
		t.Errorf("unexpected events %+v", pub.events)
	}
}

func TestUnsubscribe_StopsDeliveryAndIsIdempotent(t *testing.T) {
	c := New(&fakeProvider{}, session.NewMemoryStore(), "dev", WithLogger(quietLogger()))
	users, _, unsubscribe := watch(t, c)
	recvUser(t, users)

	unsubscribe()
	unsubscribe()

	if _, err := c.SignInAnonymously(context.Background()); err != nil {
		t.Fatalf("SignInAnonymously() error: %v", err)
	}
	select {
	case u := <-users:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) != 0 {
		t.Errorf("expected no subscriptions, got %d", len(c.subs))
	}
}
