package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibeai/vibe-core/internal/db"
)

// Role hierarchy: owner > admin > member > viewer
const (
	RoleViewer = "viewer"
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

var roleRank = map[string]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

var (
	// ErrUnauthenticated means no verified user is on the request.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the user lacks the role for the account.
	ErrForbidden = errors.New("insufficient permissions")
)

// HasRole checks if the user's role meets the minimum required role.
// Unknown roles meet nothing.
func HasRole(userRole, requiredRole string) bool {
	have, ok := roleRank[userRole]
	if !ok {
		return false
	}
	return have >= roleRank[requiredRole]
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// MembershipStore resolves a user's role on an account. db.Store satisfies it.
type MembershipStore interface {
	GetMemberRole(ctx context.Context, accountID, userID string) (string, error)
}

// Authorizer checks account roles for the user on a request context.
type Authorizer struct {
	store   MembershipStore
	enabled bool
}

// NewAuthorizer returns an Authorizer. When disabled every check passes.
func NewAuthorizer(store MembershipStore, enabled bool) *Authorizer {
	return &Authorizer{store: store, enabled: enabled}
}

// Enabled reports whether checks are enforced.
func (a *Authorizer) Enabled() bool { return a.enabled }

// Authorize returns the user id when it holds at least minRole on accountID.
func (a *Authorizer) Authorize(ctx context.Context, accountID, minRole string) (string, error) {
	userID := UserID(ctx)
	if !a.enabled {
		return userID, nil
	}
	if userID == "" {
		return "", ErrUnauthenticated
	}
	role, err := a.store.GetMemberRole(ctx, accountID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return userID, fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, userID, accountID)
	}
	if err != nil {
		return userID, fmt.Errorf("resolve role: %w", err)
	}
	if !HasRole(role, minRole) {
		return userID, fmt.Errorf("%w: %s requires %s, has %s", ErrForbidden, accountID, minRole, role)
	}
	return userID, nil
}
