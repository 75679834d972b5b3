// Package bootstrap wires the backend client for the leaderboard and makes
// sure the local device holds an anonymous identity before scores are read
// or written. Without backend configuration every operation degrades to a
// no-op so the game keeps working without a leaderboard.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/leaderboard/internal/auth"
	"github.com/whisper/leaderboard/internal/config"
	"github.com/whisper/leaderboard/internal/identity"
	"github.com/whisper/leaderboard/internal/leaderboard"
	"github.com/whisper/leaderboard/internal/messaging"
	"github.com/whisper/leaderboard/internal/metrics"
	"github.com/whisper/leaderboard/internal/ratelimit"
	"github.com/whisper/leaderboard/internal/session"
)

// AuthClient is the part of the auth client the bootstrapper needs.
type AuthClient interface {
	OnAuthStateChanged(next func(*auth.User), fail func(error)) (unsubscribe func())
	SignInAnonymously(ctx context.Context) (*auth.User, error)
}

// Backend is the initialized backend client. A nil *Backend means the
// backend is not configured; its methods are safe to call and degrade.
type Backend struct {
	// Auth is the auth client handle.
	Auth AuthClient
	// Scores is the database handle, nil when no database is configured.
	Scores *leaderboard.Store

	logger  *log.Logger
	timeout time.Duration
	closers []io.Closer
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTimeout bounds every EnsureAnonUser call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// WithScores attaches a score store.
func WithScores(s *leaderboard.Store) Option {
	return func(b *Backend) { b.Scores = s }
}

// New creates a Backend around an existing auth client.
func New(authClient AuthClient, opts ...Option) *Backend {
	b := &Backend{
		Auth:   authClient,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize builds the backend from cfg. When the backend credentials are
// incomplete it returns (nil, nil) and the caller runs in degrade mode.
// Errors are returned only for configured infrastructure that can't be
// reached.
func Initialize(ctx context.Context, cfg config.Config, opts ...Option) (*Backend, error) {
	if !cfg.Firebase.Complete() {
		return nil, nil
	}

	var closers []io.Closer
	fail := func(err error) (*Backend, error) {
		closeAll(closers)
		return nil, err
	}

	deviceID, err := session.LoadOrCreateDeviceID(cfg.DeviceIDFile)
	if err != nil {
		return fail(fmt.Errorf("bootstrap: %w", err))
	}

	provider := identity.NewClient(cfg.Firebase.APIKey, identity.WithEmulator(cfg.Firebase.AuthEmulatorHost))

	var authOpts []auth.Option
	var store auth.Persistence
	if cfg.RedisAddr != "" {
		rs, err := session.NewStore(cfg.RedisAddr)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: %w", err))
		}
		closers = append(closers, rs)
		store = rs
		if cfg.SignUpLimit > 0 {
			rule := ratelimit.RuleSignUp
			rule.Limit = cfg.SignUpLimit
			authOpts = append(authOpts, auth.WithLimiter(ratelimit.NewLimiter(rs.Client(), rule)))
		}
	} else {
		store = session.NewMemoryStore()
	}

	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: %w", err))
		}
		closers = append(closers, nc)
		authOpts = append(authOpts, auth.WithPublisher(nc))
	}

	var scores *leaderboard.Store
	if cfg.DatabaseURL != "" {
		db, err := leaderboard.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: %w", err))
		}
		closers = append(closers, db)
		if err := leaderboard.Migrate(cfg.DatabaseURL); err != nil {
			return fail(fmt.Errorf("bootstrap: %w", err))
		}
		scores = leaderboard.NewStore(db)
	}

	b := New(auth.New(provider, store, deviceID, authOpts...),
		append([]Option{WithTimeout(cfg.EnsureTimeout), WithScores(scores)}, opts...)...)
	b.closers = closers
	b.logger.Printf("[bootstrap] backend initialized project=%s device=%s", cfg.Firebase.ProjectID, deviceID)
	return b, nil
}

// Enabled reports whether the backend is configured.
func (b *Backend) Enabled() bool {
	return b != nil && b.Auth != nil
}

// EnsureAnonUser returns the device's signed-in identity, signing in
// anonymously if there is none. It returns (nil, nil) when the backend is
// not configured or anonymous sign-in is disabled for the project; the
// latter logs a warning. Other failures are returned.
//
// Each call holds exactly one auth state subscription and releases it
// before returning.
func (b *Backend) EnsureAnonUser(ctx context.Context) (*auth.User, error) {
	if !b.Enabled() {
		metrics.EnsureTotal.WithLabelValues("disabled").Inc()
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.EnsureDuration.Observe(time.Since(start).Seconds()) }()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	type result struct {
		user    *auth.User
		err     error
		outcome string
	}
	done := make(chan result, 1)
	var resolveOnce sync.Once
	resolve := func(r result) {
		resolveOnce.Do(func() { done <- r })
	}

	var (
		signInOnce    sync.Once
		signInStarted atomic.Bool
	)
	unsubscribe := b.Auth.OnAuthStateChanged(func(u *auth.User) {
		if u != nil {
			outcome := "existing"
			if signInStarted.Load() {
				outcome = "signed_in"
			}
			resolve(result{user: u, outcome: outcome})
			return
		}
		signInOnce.Do(func() {
			signInStarted.Store(true)
			go func() {
				// Success resolves through the state change it triggers.
				if _, err := b.Auth.SignInAnonymously(ctx); err != nil {
					if identity.IsAuthMethodUnavailable(err) {
						b.logger.Printf("[bootstrap] WARN anonymous auth not enabled; leaderboard disabled: %v", err)
						resolve(result{outcome: "degraded"})
						return
					}
					resolve(result{err: err, outcome: "error"})
				}
			}()
		})
	}, func(err error) {
		resolve(result{err: err, outcome: "error"})
	})
	defer unsubscribe()

	select {
	case r := <-done:
		metrics.EnsureTotal.WithLabelValues(r.outcome).Inc()
		if r.err != nil {
			return nil, fmt.Errorf("bootstrap: ensure anonymous user: %w", r.err)
		}
		return r.user, nil
	case <-ctx.Done():
		metrics.EnsureTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("bootstrap: ensure anonymous user: %w", ctx.Err())
	}
}

// Close releases the infrastructure opened by Initialize.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	err := closeAll(b.closers)
	b.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
