package service

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Purpose distinguishes access tokens from refresh tokens so one cannot be
// presented in place of the other.
type Purpose string

const (
	PurposeAccess  Purpose = "access"
	PurposeRefresh Purpose = "refresh"
)

// Claims is the JWT payload of both token kinds.
type Claims struct {
	Purpose Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// SubjectID returns the principal id carried in the sub claim.
func (c *Claims) SubjectID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// TokenPair is one issuance of an access and a refresh token.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// TokenConfig configures a TokenCodec.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// TokenCodec signs and verifies HS256 tokens.
type TokenCodec struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenCodec returns a codec for cfg. Zero TTLs fall back to 24h access
// and 168h refresh.
func NewTokenCodec(cfg TokenConfig, opts ...Option) (*TokenCodec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "spigot"
	}
	o := buildOptions(opts)
	return &TokenCodec{cfg: cfg, now: o.now}, nil
}

// GenerateSecret returns a random 32-byte signing secret.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (c *TokenCodec) AccessTTL() time.Duration { return c.cfg.AccessTTL }

// IssuePair mints an access and a refresh token for subject.
func (c *TokenCodec) IssuePair(subject int64) (*TokenPair, error) {
	now := c.now()
	accessExp := now.Add(c.cfg.AccessTTL)
	refreshExp := now.Add(c.cfg.RefreshTTL)

	access, err := c.sign(subject, PurposeAccess, now, accessExp)
	if err != nil {
		return nil, err
	}
	refresh, err := c.sign(subject, PurposeRefresh, now, refreshExp)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  jwt.NewNumericDate(accessExp).Time,
		RefreshExpiresAt: jwt.NewNumericDate(refreshExp).Time,
	}, nil
}

func (c *TokenCodec) sign(subject int64, purpose Purpose, now, exp time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}
	claims := Claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   strconv.FormatInt(subject, 10),
			Issuer:    c.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, nil
}

// Verify checks signature, issuer, expiry and purpose. It returns
// ErrTokenExpired for an otherwise valid token past its expiry and
// ErrTokenMalformed for everything else.
func (c *TokenCodec) Verify(tokenStr string, purpose Purpose) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithLeeway(c.cfg.Leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenStr, claims, c.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if claims.Purpose != purpose {
		return nil, ErrTokenMalformed
	}
	if _, err := claims.SubjectID(); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// Authentic reports whether tokenStr carries a valid signature for purpose,
// ignoring expiry. The Gatekeeper uses it to tell a garbled token from a
// genuine one whose session is gone.
func (c *TokenCodec) Authentic(tokenStr string, purpose Purpose) bool {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(tokenStr, claims, c.keyFunc); err != nil {
		return false
	}
	return claims.Purpose == purpose && claims.Issuer == c.cfg.Issuer
}

func (c *TokenCodec) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return c.cfg.Secret, nil
}
