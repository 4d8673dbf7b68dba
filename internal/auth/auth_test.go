package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeai/vibe-core/internal/db"
)

const testSecret = "test-secret-key-minimum-32-characters-long-for-hmac"

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueToken(testSecret, "vibe", "user-123", 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(testSecret, "vibe", token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "user-123", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestValidateTokenRejects(t *testing.T) {
	good, err := IssueToken(testSecret, "vibe", "user-1", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "vibe", "user-1", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		issuer string
		token  string
	}{
		{"wrong secret", "another-secret-key-of-sufficient-length!!", "vibe", good},
		{"wrong issuer", testSecret, "other", good},
		{"expired", testSecret, "vibe", expired},
		{"none algorithm", testSecret, "", unsigned},
		{"garbage", testSecret, "", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.secret, tt.issuer, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = ValidateToken("", "", good)
	assert.ErrorIs(t, err, ErrMissingSecret)
	_, err = IssueToken("", "", "user-1", 0)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		have, need string
		want       bool
	}{
		{RoleOwner, RoleAdmin, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleMember, RoleAdmin, false},
		{RoleMember, RoleMember, true},
		{RoleViewer, RoleMember, false},
		{RoleViewer, RoleViewer, true},
		{"guest", RoleViewer, false},
		{"", RoleViewer, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasRole(tt.have, tt.need), "%s >= %s", tt.have, tt.need)
	}
	assert.True(t, ValidRole(RoleOwner))
	assert.False(t, ValidRole("root"))
}

type memberships map[string]string

func (m memberships) GetMemberRole(_ context.Context, accountID, userID string) (string, error) {
	if accountID == "broken" {
		return "", errors.New("connection reset")
	}
	role, ok := m[accountID+"/"+userID]
	if !ok {
		return "", db.ErrNotFound
	}
	return role, nil
}

func TestAuthorizer(t *testing.T) {
	store := memberships{"acct-1/ana": RoleAdmin, "acct-1/ben": RoleViewer}
	a := NewAuthorizer(store, true)
	as := func(user string) context.Context {
		return WithClaims(context.Background(), &Claims{UserID: user})
	}

	user, err := a.Authorize(as("ana"), "acct-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "ana", user)

	_, err = a.Authorize(as("ben"), "acct-1", RoleMember)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = a.Authorize(as("cy"), "acct-1", RoleViewer)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = a.Authorize(context.Background(), "acct-1", RoleViewer)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.Authorize(as("ana"), "broken", RoleViewer)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrForbidden)

	open := NewAuthorizer(store, false)
	user, err = open.Authorize(context.Background(), "acct-9", RoleOwner)
	require.NoError(t, err)
	assert.Empty(t, user)
}
