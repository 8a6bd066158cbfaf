package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	PurposeConversationState = "conversation_state"
	PurposeStream            = "stream"

	DefaultStateTokenTTL  = 24 * time.Hour
	DefaultStreamTokenTTL = 5 * time.Minute
)

var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Profile is the claim-set shape a Codec issues and enforces. Every token
// flavor in the service goes through the same codec with a different profile.
type Profile struct {
	Name        string
	Purpose     string
	Issuer      string
	Audience    string
	TTL         time.Duration
	RequireTurn bool
}

// StateProfile describes conversation state tokens.
func StateProfile(ttl time.Duration) Profile {
	if ttl <= 0 {
		ttl = DefaultStateTokenTTL
	}
	return Profile{
		Name:        "state",
		Purpose:     PurposeConversationState,
		TTL:         ttl,
		RequireTurn: true,
	}
}

// StreamProfile describes short-lived transport authentication tokens.
func StreamProfile(issuer, audience string, ttl time.Duration) Profile {
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	return Profile{
		Name:     "stream",
		Purpose:  PurposeStream,
		Issuer:   strings.TrimSpace(issuer),
		Audience: strings.TrimSpace(audience),
		TTL:      ttl,
	}
}

// Claims is the decoded, validated content of a token.
type Claims struct {
	SessionID string
	TenantID  string
	Turn      int
	Purpose   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type wireClaims struct {
	SessionID string `json:"sid"`
	TenantID  string `json:"tid"`
	Turn      *int   `json:"turn,omitempty"`
	Purpose   string `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec issues, validates and rotates HS256 tokens for one Profile.
type Codec struct {
	keys    KeySource
	profile Profile
	now     func() time.Time
	newID   func() string
}

type CodecOption func(*Codec)

func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCodec(keys KeySource, profile Profile, opts ...CodecOption) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("auth: key source must not be nil")
	}
	if profile.TTL <= 0 {
		return nil, errors.New("auth: profile ttl must be positive")
	}
	if strings.TrimSpace(profile.Purpose) == "" {
		return nil, errors.New("auth: profile purpose must not be empty")
	}
	c := &Codec{
		keys:    keys,
		profile: profile,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) Profile() Profile {
	return c.profile
}

// Issue signs a new token for the session at the given turn.
func (c *Codec) Issue(ctx context.Context, sessionID, tenantID string, turn int) (string, Claims, error) {
	sessionID = strings.TrimSpace(sessionID)
	tenantID = strings.TrimSpace(tenantID)
	if sessionID == "" || tenantID == "" {
		return "", Claims{}, fmt.Errorf("%w: session and tenant are required", ErrTokenInvalid)
	}
	if turn < 0 {
		return "", Claims{}, fmt.Errorf("%w: negative turn", ErrTokenInvalid)
	}

	key, err := c.keys.Key(ctx, false)
	if err != nil {
		return "", Claims{}, err
	}

	now := c.now().Truncate(time.Second)
	claims := Claims{
		SessionID: sessionID,
		TenantID:  tenantID,
		Turn:      turn,
		Purpose:   c.profile.Purpose,
		ID:        c.newID(),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.profile.TTL),
	}

	wire := wireClaims{
		SessionID: claims.SessionID,
		TenantID:  claims.TenantID,
		Purpose:   claims.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	}
	if c.profile.RequireTurn {
		wire.Turn = &claims.Turn
	}
	if c.profile.Issuer != "" {
		wire.Issuer = c.profile.Issuer
	}
	if c.profile.Audience != "" {
		wire.Audience = jwt.ClaimStrings{c.profile.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wire).SignedString([]byte(key))
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: sign %s token: %w", c.profile.Name, err)
	}
	return signed, claims, nil
}

// Rotate re-issues a token for the same session with fresh timestamps. When
// incrementTurn is false the turn is carried over unchanged.
func (c *Codec) Rotate(ctx context.Context, claims Claims, incrementTurn bool) (string, Claims, error) {
	turn := claims.Turn
	if incrementTurn {
		turn++
	}
	return c.Issue(ctx, claims.SessionID, claims.TenantID, turn)
}

// Validate verifies the signature, expiry and required claims. A signature
// mismatch triggers one forced key refresh so rotated secrets are picked up.
// Revocation is not checked here.
func (c *Codec) Validate(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: missing token", ErrTokenInvalid)
	}

	key, err := c.keys.Key(ctx, false)
	if err != nil {
		return Claims{}, err
	}
	claims, err := c.parse(token, key)
	if err == nil || !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return claims, classifyParseError(err)
	}

	fresh, refreshErr := c.keys.Key(ctx, true)
	if refreshErr != nil {
		return Claims{}, refreshErr
	}
	if fresh == key {
		return Claims{}, classifyParseError(err)
	}
	claims, err = c.parse(token, fresh)
	return claims, classifyParseError(err)
}

func (c *Codec) parse(token, key string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.profile.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.profile.Issuer))
	}
	if c.profile.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.profile.Audience))
	}

	var wire wireClaims
	if _, err := jwt.ParseWithClaims(token, &wire, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	}, opts...); err != nil {
		return Claims{}, err
	}

	switch {
	case strings.TrimSpace(wire.SessionID) == "":
		return Claims{}, errors.New("missing sid claim")
	case strings.TrimSpace(wire.TenantID) == "":
		return Claims{}, errors.New("missing tid claim")
	case wire.Purpose != c.profile.Purpose:
		return Claims{}, fmt.Errorf("unexpected purpose %q", wire.Purpose)
	case wire.IssuedAt == nil:
		return Claims{}, errors.New("missing iat claim")
	case wire.ID == "":
		return Claims{}, errors.New("missing jti claim")
	case c.profile.RequireTurn && wire.Turn == nil:
		return Claims{}, errors.New("missing turn claim")
	case wire.Turn != nil && *wire.Turn < 0:
		return Claims{}, errors.New("negative turn claim")
	}

	out := Claims{
		SessionID: wire.SessionID,
		TenantID:  wire.TenantID,
		Purpose:   wire.Purpose,
		ID:        wire.ID,
		IssuedAt:  wire.IssuedAt.Time,
		ExpiresAt: wire.ExpiresAt.Time,
	}
	if wire.Turn != nil {
		out.Turn = *wire.Turn
	}
	return out, nil
}

func classifyParseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
