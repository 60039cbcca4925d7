package account

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	jwt     *auth.JWTManager
	revoker *auth.MemoryRevoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	jm := auth.NewJWTManager("test-secret", time.Hour, 24*time.Hour)
	rv := auth.NewMemoryRevoker()
	return &fixture{
		svc:     NewService(store, jm, rv, quietLogger()),
		store:   store,
		jwt:     jm,
		revoker: rv,
	}
}

func (f *fixture) register(t *testing.T, username string) *domain.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "passw0rd!",
	})
	require.NoError(t, err)
	return u
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"short username", RegisterInput{Username: "ab", Email: "a@b.io", Password: "passw0rd"}, domain.ErrValidation},
		{"bad email", RegisterInput{Username: "alice", Email: "nope", Password: "passw0rd"}, domain.ErrValidation},
		{"weak password", RegisterInput{Username: "alice", Email: "a@b.io", Password: "password"}, domain.ErrValidation},
		{"missing password", RegisterInput{Username: "alice", Email: "a@b.io"}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterForcesUserRoleAndUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, RegisterInput{
		Username: "mallory", Email: "m@example.com", Password: "passw0rd", Role: domain.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, u.Role)
	assert.Equal(t, domain.UserStatusEnabled, u.Status)
	assert.NotEqual(t, "passw0rd", u.PasswordHash)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "mallory", Email: "x@example.com", Password: "passw0rd"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.svc.Register(ctx, RegisterInput{Username: "other", Email: "m@example.com", Password: "passw0rd"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "alice")

	user, pair, err := f.svc.Login(ctx, "alice", "passw0rd!")
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)
	claims, err := f.jwt.Validate(pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)

	_, _, err = f.svc.Login(ctx, "alice@example.com", "passw0rd!")
	assert.NoError(t, err, "login by email")

	_, _, err = f.svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, _, err = f.svc.Login(ctx, "ghost", "passw0rd!")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	u.Status = domain.UserStatusDisabled
	require.NoError(t, f.store.UpdateUser(ctx, u))
	_, _, err = f.svc.Login(ctx, "alice", "passw0rd!")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "bob")

	_, pair, err := f.svc.Login(ctx, "bob", "passw0rd!")
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrRevokedToken, "refresh token is single use")

	_, err = f.svc.Refresh(ctx, next.AccessToken)
	assert.ErrorIs(t, err, auth.ErrWrongTokenType)

	access, err := f.jwt.Validate(next.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, access, next.RefreshToken))

	revoked, _ := f.revoker.IsRevoked(ctx, access.ID)
	assert.True(t, revoked)
	_, err = f.svc.Refresh(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUpdateUserPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	var changed []int64
	f.svc.OnUserChange(func(id int64) { changed = append(changed, id) })

	self := &auth.UserContext{UserID: alice.ID, Role: domain.RoleUser}
	name := "Alice A."
	u, err := f.svc.UpdateUser(ctx, self, alice.ID, UpdateInput{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", u.FullName)

	_, err = f.svc.UpdateUser(ctx, self, bob.ID, UpdateInput{FullName: &name})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	role := domain.RoleAdmin
	_, err = f.svc.UpdateUser(ctx, self, alice.ID, UpdateInput{Role: &role})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	admin := &auth.UserContext{UserID: 99, Role: domain.RoleAdmin}
	disabled := domain.UserStatusDisabled
	u, err = f.svc.UpdateUser(ctx, admin, bob.ID, UpdateInput{Status: &disabled})
	require.NoError(t, err)
	assert.False(t, u.Enabled())
	assert.Contains(t, changed, bob.ID)

	bad := "not-an-email"
	_, err = f.svc.UpdateUser(ctx, admin, bob.ID, UpdateInput{Email: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteUserNotSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	admin := &auth.UserContext{UserID: alice.ID, Role: domain.RoleAdmin}

	err := f.svc.DeleteUser(ctx, admin, alice.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	bob := f.register(t, "bob")
	require.NoError(t, f.svc.DeleteUser(ctx, admin, bob.ID))
	_, err = f.svc.GetUser(ctx, bob.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	self := &auth.UserContext{UserID: alice.ID, Role: domain.RoleUser}

	err := f.svc.ChangePassword(ctx, self, alice.ID, "wrong", "newpassw0rd")
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = f.svc.ChangePassword(ctx, self, alice.ID, "passw0rd!", "short")
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.svc.ChangePassword(ctx, self, alice.ID, "passw0rd!", "newpassw0rd"))
	_, _, err = f.svc.Login(ctx, "alice", "newpassw0rd")
	assert.NoError(t, err)

	err = f.svc.ChangePassword(ctx, self, bob.ID, "", "newpassw0rd")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	admin := &auth.UserContext{UserID: 100, Role: domain.RoleAdmin}
	require.NoError(t, f.svc.ChangePassword(ctx, admin, bob.ID, "", "reset12345"))
	_, _, err = f.svc.Login(ctx, "bob", "reset12345")
	assert.NoError(t, err)
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.EnsureAdmin(ctx, "admin", "admin@surge.local", "")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())

	again, err := f.svc.EnsureAdmin(ctx, "admin", "admin@surge.local", "ignored1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
}

func TestFeedback(t *testing.T) {
	store, err := storage.NewMemoryStore()
	require.NoError(t, err)
	svc := NewFeedbackService(store, quietLogger())
	ctx := context.Background()

	_, err = svc.Submit(ctx, nil, FeedbackInput{Name: "x", Email: "bad", Subject: "s", Content: "c"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	uid := int64(3)
	fb, err := svc.Submit(ctx, &uid, FeedbackInput{Name: "Carol", Email: "c@example.com", Subject: "Slow", Content: "Report export is slow"})
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackStatusPending, fb.Status)

	page, err := svc.List(ctx, domain.FeedbackStatusPending, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	fb, err = svc.MarkProcessed(ctx, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackStatusProcessed, fb.Status)

	page, err = svc.List(ctx, domain.FeedbackStatusPending, domain.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = svc.List(ctx, "bogus", domain.PageRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.MarkProcessed(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
