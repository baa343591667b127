// Package auth provides password hashing, JWT access tokens and the
// Authenticator collaborator the dispatcher consumes. The error strings here
// are protocol text: they travel to clients verbatim inside error responses.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"taskmq/internal/mq"
	"taskmq/internal/store"
)

// Both are credential errors: the dispatcher answers them as permanent
// business failures. Store outages during resolution stay plain errors and
// are retried instead.
var (
	ErrInvalidToken = mq.BadCredential("Invalid token")
	ErrUserNotFound = mq.BadCredential("User not found")
)

func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// TokenIssuer signs and parses HS256 access tokens whose subject is the
// user id.
type TokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, nowFunc: time.Now}
}

func (i *TokenIssuer) Issue(userID int64) (string, error) {
	now := i.nowFunc()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"exp": jwt.NewNumericDate(now.Add(i.ttl)),
	})
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Subject validates a token and returns the user id it was issued for.
// Expired, tampered or foreign-algorithm tokens all come back ErrInvalidToken.
func (i *TokenIssuer) Subject(token string) (int64, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.nowFunc))
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// UserSource is the lookup the authenticator needs from the store.
type UserSource interface {
	UserByID(ctx context.Context, id int64) (*store.User, error)
}

// Authenticator resolves bearer credentials to principals.
type Authenticator struct {
	issuer *TokenIssuer
	users  UserSource
}

func NewAuthenticator(issuer *TokenIssuer, users UserSource) *Authenticator {
	return &Authenticator{issuer: issuer, users: users}
}

// Resolve accepts the token with or without a "Bearer " prefix.
func (a *Authenticator) Resolve(ctx context.Context, credential string) (*mq.Principal, error) {
	token := strings.TrimSpace(credential)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	id, err := a.issuer.Subject(token)
	if err != nil {
		return nil, err
	}
	u, err := a.users.UserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mq.Principal{ID: u.ID, Email: u.Email, FullName: u.FullName}, nil
}
