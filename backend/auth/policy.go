package auth

import (
	"strings"
	"time"

	"github.com/adwski/syncparty/backend/model"
)

// Roles is an allow-list of role claims. A nil Roles places no restriction.
type Roles map[string]struct{}

// NewRoles builds an allow-list from names. Blank names are ignored and an
// empty result is nil, so an unset list never means "deny all".
func NewRoles(names []string) Roles {
	var r Roles
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if r == nil {
			r = make(Roles)
		}
		r[name] = struct{}{}
	}
	return r
}

func (r Roles) Allows(role string) bool {
	if r == nil {
		return true
	}
	_, ok := r[role]
	return ok
}

var anonymous = model.Identity{
	UserID:   "anonymous",
	Username: "Anonymous",
}

// Policy gates room creation, invite creation and joins.
type Policy struct {
	tokens      *Authority
	hostRoles   Roles
	inviteRoles Roles
}

func NewPolicy(tokens *Authority, hostRoles, inviteRoles Roles) *Policy {
	return &Policy{
		tokens:      tokens,
		hostRoles:   hostRoles,
		inviteRoles: inviteRoles,
	}
}

func (p *Policy) Enabled() bool {
	return p.tokens.Enabled()
}

func (p *Policy) AuthorizeCreateRoom(token string) (*model.Identity, error) {
	return p.authorize(token, p.hostRoles)
}

func (p *Policy) AuthorizeCreateInvite(token string) (*model.Identity, error) {
	return p.authorize(token, p.inviteRoles)
}

// AuthorizeJoin admits a join to roomID by invite token or identity token.
// The invite token is used when both are attached. Roles are not checked.
func (p *Policy) AuthorizeJoin(roomID, authToken, inviteToken string) (*model.Identity, error) {
	if inviteToken != "" {
		if err := p.tokens.VerifyInvite(inviteToken, roomID); err != nil {
			return nil, err
		}
		if authToken != "" && p.Enabled() {
			// identity is optional on invite joins but must be valid if attached
			return p.tokens.VerifyIdentity(authToken)
		}
		id := anonymous
		return &id, nil
	}
	return p.authorize(authToken, nil)
}

// Authenticate checks an identity token without any role restriction.
func (p *Policy) Authenticate(token string) (*model.Identity, error) {
	return p.authorize(token, nil)
}

func (p *Policy) IssueInvite(roomID string, ttl time.Duration) (model.Invite, error) {
	return p.tokens.IssueInvite(roomID, ttl)
}

func (p *Policy) authorize(token string, allowed Roles) (*model.Identity, error) {
	if !p.Enabled() {
		id := anonymous
		return &id, nil
	}
	if token == "" {
		return nil, model.ErrAuthRequired
	}
	id, err := p.tokens.VerifyIdentity(token)
	if err != nil {
		return nil, err
	}
	if !allowed.Allows(id.Role) {
		return nil, model.NewError(model.CodeForbidden, "role "+quoteRole(id.Role)+" is not allowed")
	}
	return id, nil
}

func quoteRole(role string) string {
	if role == "" {
		return "<none>"
	}
	return "'" + role + "'"
}
