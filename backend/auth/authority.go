// Package auth verifies identity tokens, issues and verifies room invites,
// and decides which actions a token holder may perform.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adwski/syncparty/backend/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultInviteTTL = time.Hour

	identityLeeway  = 60 * time.Second
	inviteTokenType = "invite"
	ephemeralKeyLen = 32
)

var (
	ErrNoSecret = errors.New("no signing secret configured")
)

type AuthorityConfig struct {
	// Secret signs invites and verifies identity tokens. Empty disables identity checks.
	Secret    []byte
	Audience  string
	Issuer    string
	InviteTTL time.Duration
	Now       func() time.Time
}

// Authority verifies externally issued identity tokens and issues room-scoped invite tokens.
type Authority struct {
	secret    []byte
	inviteKey []byte
	audience  string
	issuer    string
	inviteTTL time.Duration
	now       func() time.Time
}

// identityClaims accepts both the session-server claim names and the
// registered sub/name pair used by the media server plugin.
type identityClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type inviteClaims struct {
	jwt.RegisteredClaims
	RoomID string `json:"room_id"`
	Type   string `json:"typ"`
}

func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	a := &Authority{
		secret:    cfg.Secret,
		inviteKey: cfg.Secret,
		audience:  cfg.Audience,
		issuer:    cfg.Issuer,
		inviteTTL: cfg.InviteTTL,
		now:       cfg.Now,
	}
	if a.inviteTTL <= 0 {
		a.inviteTTL = DefaultInviteTTL
	}
	if a.now == nil {
		a.now = time.Now
	}
	if len(a.inviteKey) == 0 {
		a.inviteKey = make([]byte, ephemeralKeyLen)
		if _, err := rand.Read(a.inviteKey); err != nil {
			return nil, fmt.Errorf("generate invite key: %w", err)
		}
	}
	return a, nil
}

// Enabled reports whether identity tokens are checked at all.
func (a *Authority) Enabled() bool {
	return len(a.secret) > 0
}

func (a *Authority) VerifyIdentity(token string) (*model.Identity, error) {
	if !a.Enabled() {
		return nil, ErrNoSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(identityLeeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims identityClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(model.ErrInvalidToken, err)
	}

	id := &model.Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.Username == "" {
		id.Username = claims.Name
	}
	if id.UserID == "" {
		return nil, model.NewError(model.CodeInvalidToken, "token has no user id")
	}
	return id, nil
}

// IssueInvite signs an invite for roomID. A non-positive ttl uses the configured default.
func (a *Authority) IssueInvite(roomID string, ttl time.Duration) (model.Invite, error) {
	if ttl <= 0 {
		ttl = a.inviteTTL
	}
	now := a.now()
	exp := now.Add(ttl)

	claims := inviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		RoomID: roomID,
		Type:   inviteTokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.inviteKey)
	if err != nil {
		return model.Invite{}, fmt.Errorf("sign invite: %w", err)
	}
	return model.Invite{
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

// VerifyInvite checks signature, expiry and room scope of an invite token, in that order.
func (a *Authority) VerifyInvite(token, roomID string) error {
	var claims inviteClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.inviteKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return errors.Join(model.ErrInvalidToken, err)
	}
	if claims.Type != inviteTokenType || claims.RoomID == "" || claims.ExpiresAt == nil {
		return model.NewError(model.CodeInvalidToken, "not an invite token")
	}
	if !claims.ExpiresAt.After(a.now()) {
		return model.ErrInviteExpired
	}
	if claims.RoomID != roomID {
		return model.ErrInviteRoomMismatch
	}
	return nil
}
