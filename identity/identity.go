package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidToken indicates a token that failed verification.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrNoUser indicates an empty user id.
	ErrNoUser = errors.New("no user id")
)

// tokenType marks tokens issued for device sync.
const tokenType = "p2psync"

// Provider reports the current user once sign-in completed.
type Provider interface {
	Ready(ctx context.Context) (string, error)
}

// StaticProvider is always signed in as a fixed user.
type StaticProvider struct {
	UserID string
}

// Ready implements Provider.
func (p StaticProvider) Ready(ctx context.Context) (string, error) {
	if p.UserID == "" {
		return "", ErrNoUser
	}
	return p.UserID, ctx.Err()
}

// TokenProvider becomes ready when a valid HS256 token is presented. The
// token subject is the user id.
type TokenProvider struct {
	secret []byte

	mu     sync.Mutex
	userID string
	ready  chan struct{}
}

// NewTokenProvider creates a provider that verifies tokens with secret.
func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{
		secret: []byte(secret),
		ready:  make(chan struct{}),
	}
}

// SignIn verifies token and releases every pending Ready call.
func (p *TokenProvider) SignIn(token string) (string, error) {
	userID, err := ValidateToken(token, p.secret)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TokenProvider.SignIn",
			"error":    err.Error(),
		}).Warn("Rejected identity token")
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID != "" {
		if p.userID != userID {
			return "", fmt.Errorf("%w: already signed in as another user", ErrInvalidToken)
		}
		return userID, nil
	}
	p.userID = userID
	close(p.ready)

	logrus.WithFields(logrus.Fields{
		"function": "TokenProvider.SignIn",
		"user_id":  userID,
	}).Info("User signed in")

	return userID, nil
}

// Ready implements Provider.
func (p *TokenProvider) Ready(ctx context.Context) (string, error) {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.userID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrNoUser
	}
	claims := jwt.MapClaims{
		"sub":  userID,
		"type": tokenType,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken verifies a token and returns its subject.
func ValidateToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims["type"] != tokenType {
		return "", fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}
