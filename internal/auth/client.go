package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/leaderboard/internal/identity"
	"github.com/whisper/leaderboard/internal/metrics"
	"github.com/whisper/leaderboard/internal/session"
)

// restoreTimeout bounds resolving the persisted identity.
const restoreTimeout = 10 * time.Second

// ErrTooManyAttempts is returned by SignInAnonymously when the device has
// exceeded its sign-up rate limit.
var ErrTooManyAttempts = errors.New("auth: too many sign-in attempts")

// Provider is the identity service.
type Provider interface {
	SignUpAnonymous(ctx context.Context) (*identity.Account, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.Account, error)
}

// Persistence stores the device's identity between runs.
type Persistence interface {
	Load(ctx context.Context, deviceID string) (*session.Record, error)
	Save(ctx context.Context, deviceID string, rec *session.Record) error
	Delete(ctx context.Context, deviceID string) error
}

// Limiter throttles sign-up attempts per device.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Publisher announces auth state changes to other services.
type Publisher interface {
	PublishAuthState(deviceID string, data []byte) error
}

// StateEvent is the payload published on every sign-in and sign-out.
type StateEvent struct {
	Type      string `json:"type"` // "signed_in" | "signed_out"
	DeviceID  string `json:"device_id"`
	UID       string `json:"uid,omitempty"`
	Anonymous bool   `json:"anonymous"`
	Ts        int64  `json:"ts"`
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter throttles SignInAnonymously with l.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithPublisher publishes state events through p.
func WithPublisher(p Publisher) Option {
	return func(c *Client) { c.events = p }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Client tracks the auth state of one device.
type Client struct {
	provider Provider
	store    Persistence
	deviceID string
	limiter  Limiter
	events   Publisher
	logger   *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	ready   bool          // persisted state resolved
	loading chan struct{} // non-nil while a restore is in flight
	loadErr error         // last restore failure
	current *User
	subs    map[uint64]*subscription
	nextID  uint64

	// signInMu serializes sign-in so concurrent callers share one account.
	signInMu sync.Mutex
}

// New creates a Client for deviceID. The persisted identity is resolved
// lazily on the first subscription or sign-in.
func New(provider Provider, store Persistence, deviceID string, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		store:    store,
		deviceID: deviceID,
		logger:   log.Default(),
		now:      time.Now,
		subs:     make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the device this client signs in.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// CurrentUser returns the signed-in user, or nil.
func (c *Client) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.clone()
}

// OnAuthStateChanged registers next to receive the current user (nil when
// signed out) now and after every change. Failures to resolve the persisted
// state go to fail. Callbacks run on a goroutine owned by the subscription
// and never concurrently with each other. The returned function cancels the
// subscription and may be called any number of times.
func (c *Client) OnAuthStateChanged(next func(*User), fail func(error)) (unsubscribe func()) {
	s := newSubscription(next, fail)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = s
	if c.ready {
		s.post(event{user: c.current})
	} else {
		c.startRestoreLocked()
	}
	c.mu.Unlock()

	metrics.AuthSubscriptions.Inc()
	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			s.stop()
			metrics.AuthSubscriptions.Dec()
		})
	}
}

// SignInAnonymously returns the current anonymous user, creating one with
// the identity service if the device is signed out.
func (c *Client) SignInAnonymously(ctx context.Context) (*User, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	c.signInMu.Lock()
	defer c.signInMu.Unlock()

	if u := c.CurrentUser(); u != nil && u.IsAnonymous {
		return u, nil
	}

	if c.limiter != nil {
		// Limiter errors fail open.
		if ok, _ := c.limiter.Allow(ctx, c.deviceID); !ok {
			metrics.SignInTotal.WithLabelValues("rate_limited").Inc()
			return nil, ErrTooManyAttempts
		}
	}

	acct, err := c.provider.SignUpAnonymous(ctx)
	if err != nil {
		result := identity.Code(err)
		if result == "" {
			result = "error"
		}
		metrics.SignInTotal.WithLabelValues(result).Inc()
		return nil, fmt.Errorf("auth: sign in anonymously: %w", err)
	}
	metrics.SignInTotal.WithLabelValues("ok").Inc()

	now := c.now()
	user := &User{UID: acct.LocalID, IsAnonymous: true, CreatedAt: now}
	user.applyTokens(acct, now)

	if err := c.store.Save(ctx, c.deviceID, user.record()); err != nil {
		// The identity stays valid for this process; it just won't survive a restart.
		c.logger.Printf("[auth] persist session device=%s uid=%s: %v", c.deviceID, user.UID, err)
	}

	c.setCurrent(user)
	c.publish("signed_in", user)
	c.logger.Printf("[auth] signed in anonymously device=%s uid=%s", c.deviceID, user.UID)
	return user.clone(), nil
}

// SignOut forgets the device's identity and notifies subscribers.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.signInMu.Lock()
	defer c.signInMu.Unlock()

	prev := c.CurrentUser()
	if prev == nil {
		return nil
	}
	if err := c.store.Delete(ctx, c.deviceID); err != nil {
		return fmt.Errorf("auth: sign out: %w", err)
	}
	c.setCurrent(nil)
	c.publish("signed_out", prev)
	return nil
}

func (c *Client) setCurrent(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = u
	for _, s := range c.subs {
		s.post(event{user: u})
	}
}

// waitReady blocks until the persisted state is resolved.
func (c *Client) waitReady(ctx context.Context) error {
	c.mu.Lock()
	done := c.startRestoreLocked()
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	return c.loadErr
}

// startRestoreLocked starts resolving the persisted state unless it is
// already resolved or in flight. The returned channel closes when done.
func (c *Client) startRestoreLocked() chan struct{} {
	if c.ready {
		return closed
	}
	if c.loading == nil {
		c.loading = make(chan struct{})
		go c.restore(c.loading)
	}
	return c.loading
}

func (c *Client) restore(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	user, err := c.resolve(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Leave ready unset so the next subscription or sign-in retries.
		c.loadErr = fmt.Errorf("auth: restore session: %w", err)
		for _, s := range c.subs {
			s.post(event{err: c.loadErr})
		}
	} else {
		c.ready = true
		c.loadErr = nil
		c.current = user
		for _, s := range c.subs {
			s.post(event{user: user})
		}
	}
	c.loading = nil
	close(done)
}

// resolve loads the persisted identity and refreshes it if its token has
// expired. An identity the service no longer accepts is discarded; one that
// can't be refreshed for other reasons is kept.
func (c *Client) resolve(ctx context.Context) (*User, error) {
	rec, err := c.store.Load(ctx, c.deviceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	user := userFromRecord(rec)
	now := c.now()
	if !user.expired(now) {
		return user, nil
	}

	acct, err := c.provider.Refresh(ctx, user.RefreshToken)
	if err != nil {
		if identity.IsSessionInvalid(err) {
			c.logger.Printf("[auth] stored session rejected device=%s uid=%s: %v", c.deviceID, user.UID, err)
			if derr := c.store.Delete(ctx, c.deviceID); derr != nil {
				c.logger.Printf("[auth] delete stale session device=%s: %v", c.deviceID, derr)
			}
			return nil, nil
		}
		c.logger.Printf("[auth] refresh failed device=%s uid=%s, keeping stored session: %v", c.deviceID, user.UID, err)
		return user, nil
	}

	user.applyTokens(acct, now)
	if err := c.store.Save(ctx, c.deviceID, user.record()); err != nil {
		c.logger.Printf("[auth] persist refreshed session device=%s: %v", c.deviceID, err)
	}
	return user, nil
}

func (c *Client) publish(kind string, u *User) {
	if c.events == nil {
		return
	}
	data, err := json.Marshal(StateEvent{
		Type:      kind,
		DeviceID:  c.deviceID,
		UID:       u.UID,
		Anonymous: u.IsAnonymous,
		Ts:        c.now().Unix(),
	})
	if err != nil {
		c.logger.Printf("[auth] marshal state event: %v", err)
		return
	}
	if err := c.events.PublishAuthState(c.deviceID, data); err != nil {
		c.logger.Printf("[auth] publish %s device=%s: %v", kind, c.deviceID, err)
	}
}
