package auth

import (
	"time"

	"github.com/whisper/leaderboard/internal/identity"
	"github.com/whisper/leaderboard/internal/session"
)

// tokenSkew refreshes tokens slightly before they actually expire.
const tokenSkew = 5 * time.Minute

// User is a signed-in identity.
type User struct {
	UID          string
	IsAnonymous  bool
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// expired reports whether the ID token needs a refresh at now.
func (u *User) expired(now time.Time) bool {
	return u.ExpiresAt.IsZero() || !now.Add(tokenSkew).Before(u.ExpiresAt)
}

func (u *User) applyTokens(acct *identity.Account, now time.Time) {
	if acct.IDToken != "" {
		u.IDToken = acct.IDToken
	}
	if acct.RefreshToken != "" {
		u.RefreshToken = acct.RefreshToken
	}
	u.ExpiresAt = now.Add(acct.ExpiresIn)
}

func (u *User) record() *session.Record {
	return &session.Record{
		UID:          u.UID,
		IDToken:      u.IDToken,
		RefreshToken: u.RefreshToken,
		ExpiresAt:    u.ExpiresAt.Unix(),
		CreatedAt:    u.CreatedAt.Unix(),
	}
}

func userFromRecord(rec *session.Record) *User {
	return &User{
		UID:          rec.UID,
		IsAnonymous:  true,
		IDToken:      rec.IDToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    time.Unix(rec.ExpiresAt, 0),
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
	}
}
