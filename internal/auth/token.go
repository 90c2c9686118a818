package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two token roles. Verification sites always name
// the kind they expect, so an access token can never stand in for a
// refresh token or the other way around.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// ErrInvalidToken is the only failure the codec reports. Signature, expiry,
// kind and shape problems are indistinguishable to callers so a client
// cannot probe why a token was rejected.
var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Email string `json:"email"`
	Kind  Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// Codec signs and verifies self-contained tokens. It holds no per-token
// state; revocation is the Ledger's concern.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewCodec(secret string, accessTTL, refreshTTL time.Duration) *Codec {
	return &Codec{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (c *Codec) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

func (c *Codec) Issue(user *User, kind Kind) (string, error) {
	return c.issueAt(user, kind, c.now())
}

func (c *Codec) issueAt(user *User, kind Kind, now time.Time) (string, error) {
	switch kind {
	case KindAccess, KindRefresh:
	default:
		return "", ErrInvalidToken
	}

	now = now.UTC()
	claims := Claims{
		Email: user.Email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL(kind))),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// IssuePair returns an access and refresh token sharing the same issued-at
// instant, so a logout-all cutoff treats them as one session. The clock is
// sampled once; two samples could straddle a second boundary and give the
// tokens different iat values.
func (c *Codec) IssuePair(user *User) (TokenPair, error) {
	now := c.now()

	access, err := c.issueAt(user, KindAccess, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := c.issueAt(user, KindRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks signature, expiry, required claims and kind. Every failure
// collapses to ErrInvalidToken.
func (c *Codec) Verify(raw string, want Kind) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || claims.Email == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	if claims.Kind != want {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
