package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"verse-sync/internal/protocol"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	audience = "verse-sync"
)

var ErrNoSecret = errors.New("token secret is not configured")

// Error is a rejected credential. Status is the HTTP status to answer with.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func unauthorized(msg string) *Error {
	return &Error{Status: 401, Code: "unauthorized", Message: msg}
}

type Claims struct {
	Subject   string `json:"sub"`
	Type      string `json:"typ"`
	Audience  string `json:"aud"`
	ID        string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Issuer mints and verifies HS256 tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// Issue returns a fresh access/refresh pair for userID.
func (i *Issuer) Issue(userID string) (protocol.TokenPair, error) {
	if !i.Enabled() {
		return protocol.TokenPair{}, ErrNoSecret
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return protocol.TokenPair{}, errors.New("user id is required")
	}
	now := i.now()
	access, err := i.sign(Claims{Subject: userID, Type: TypeAccess, ExpiresAt: now.Add(i.accessTTL).Unix()}, now)
	if err != nil {
		return protocol.TokenPair{}, err
	}
	refresh, err := i.sign(Claims{Subject: userID, Type: TypeRefresh, ExpiresAt: now.Add(i.refreshTTL).Unix()}, now)
	if err != nil {
		return protocol.TokenPair{}, err
	}
	return protocol.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    protocol.NowMillis(now.Add(i.accessTTL)),
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (i *Issuer) Refresh(refreshToken string) (protocol.TokenPair, error) {
	claims, err := i.Parse(refreshToken, TypeRefresh)
	if err != nil {
		return protocol.TokenPair{}, err
	}
	return i.Issue(claims.Subject)
}

func (i *Issuer) sign(c Claims, now time.Time) (string, error) {
	c.Audience = audience
	c.ID = uuid.NewString()
	c.IssuedAt = now.Unix()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, i.secret)
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Parse verifies raw and checks that it is a token of the wanted type.
func (i *Issuer) Parse(raw, wantType string) (Claims, error) {
	if !i.Enabled() {
		return Claims{}, ErrNoSecret
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Claims{}, unauthorized("invalid token format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, unauthorized("invalid token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, unauthorized("invalid token header")
	}
	if header.Alg != "HS256" {
		return Claims{}, unauthorized("unsupported token algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, unauthorized("invalid token signature")
	}
	mac := hmac.New(sha256.New, i.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, unauthorized("token signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, unauthorized("invalid token payload")
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, unauthorized("invalid token payload")
	}
	if c.Audience != audience {
		return Claims{}, unauthorized("invalid aud claim")
	}
	if c.Subject == "" {
		return Claims{}, unauthorized("missing sub claim")
	}
	if i.now().Unix() >= c.ExpiresAt {
		return Claims{}, unauthorized("token expired")
	}
	if wantType != "" && c.Type != wantType {
		return Claims{}, unauthorized("wrong token type")
	}
	return c, nil
}
