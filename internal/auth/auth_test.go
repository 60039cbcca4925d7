package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oriys/surge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers map[int64]*domain.User

func (f fakeUsers) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, domain.ErrUserNotFound
}

func testUser() *domain.User {
	return &domain.User{ID: 1, Username: "alice", Role: domain.RoleUser, Status: domain.UserStatusEnabled}
}

func TestJWTManager_GenerateValidate(t *testing.T) {
	m := NewJWTManager("secret", time.Hour, 24*time.Hour)
	pair, err := m.GeneratePair(testUser())
	require.NoError(t, err)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := m.Validate(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)

	_, err = m.Validate(pair.RefreshToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = m.Validate(pair.AccessToken+"x", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	other := NewJWTManager("other", time.Hour, time.Hour)
	_, err = other.Validate(pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("secret", -time.Minute, time.Hour)
	token, err := m.Generate(testUser(), TokenTypeAccess)
	require.NoError(t, err)

	_, err = m.Validate(token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManager_RejectsNoneAlg(t *testing.T) {
	m := NewJWTManager("secret", time.Hour, time.Hour)
	claims := &Claims{UserID: 1, Type: TokenTypeAccess, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Validate(token, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cretpass")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "s3cretpass"))
	assert.False(t, CheckPassword(hash, "wrong"))
}

func TestMiddleware_Authenticate(t *testing.T) {
	jm := NewJWTManager("secret", time.Hour, time.Hour)
	users := fakeUsers{1: testUser()}
	revoker := NewMemoryRevoker()
	mw := NewMiddleware(jm, revoker, users, time.Minute)

	var got *UserContext
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := jm.Generate(testUser(), TokenTypeAccess)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized","kind":"unauthorized"}`, rec.Body.String())
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, int64(1), got.UserID)
			}
		})
	}
}

func TestMiddleware_RevokedAndDisabled(t *testing.T) {
	ctx := context.Background()
	jm := NewJWTManager("secret", time.Hour, time.Hour)
	user := testUser()
	users := fakeUsers{1: user}
	revoker := NewMemoryRevoker()
	mw := NewMiddleware(jm, revoker, users, 0)

	token, err := jm.Generate(user, TokenTypeAccess)
	require.NoError(t, err)
	uc, err := mw.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, revoker.RevokeToken(ctx, uc.Claims.ID, time.Hour))
	_, err = mw.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedToken)

	token, err = jm.Generate(user, TokenTypeAccess)
	require.NoError(t, err)
	user.Status = domain.UserStatusDisabled
	_, err = mw.Verify(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	delete(users, 1)
	_, err = mw.Verify(ctx, token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestMiddleware_RequireAdmin(t *testing.T) {
	mw := NewMiddleware(NewJWTManager("secret", time.Hour, time.Hour), nil, nil, 0)
	h := mw.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = req.WithContext(WithUser(req.Context(), &UserContext{UserID: 2, Role: domain.RoleUser}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(WithUser(req.Context(), &UserContext{UserID: 1, Role: domain.RoleAdmin}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
