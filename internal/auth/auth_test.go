package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func cheapHash(t *testing.T, password string) string {
	t.Helper()
	h, err := NewPasswordHasherWithParams(64, 1, 1).HashPassword(password)
	require.NoError(t, err)
	return h
}

func newService(t *testing.T, enabled bool) *AuthService {
	t.Helper()
	t.Setenv("OACQ_TEST_JWT", "0123456789abcdef0123456789abcdef")
	return NewAuthService(config.AuthConfig{
		Enabled:        enabled,
		JWTSecretEnv:   "OACQ_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Users: []config.UserConfig{
			{Username: "ada", PasswordHash: cheapHash(t, "s3cret"), Role: RoleAdmin},
			{Username: "otto", PasswordHash: cheapHash(t, "op"), Role: RoleOperator},
		},
	}, zap.NewNop())
}

func TestPasswordRoundTrip(t *testing.T) {
	h := NewPasswordHasherWithParams(64, 1, 1)
	enc, err := h.HashPassword("hunter2")
	require.NoError(t, err)
	assert.Contains(t, enc, "$argon2id$v=19$m=64,t=1,p=1$")

	ok, err := NewPasswordHasher().VerifyPassword("hunter2", enc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("hunter3", enc)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("x", "$bcrypt$whatever")
	require.ErrorIs(t, err, errHashFormat)
	_, err = h.VerifyPassword("x", "$argon2id$v=16$m=64,t=1,p=1$c2FsdA$a2V5")
	require.ErrorIs(t, err, errHashFormat)

	assert.False(t, h.NeedsRehash(enc))
	assert.True(t, NewPasswordHasher().NeedsRehash(enc))
	assert.True(t, h.NeedsRehash("garbage"))
}

func TestJWTRejectsForeignSecretAndExpiry(t *testing.T) {
	j := NewJWTHandler("one", time.Minute)
	tok, err := j.GenerateAccessToken("ada", RoleAdmin)
	require.NoError(t, err)

	claims, err := j.ValidateAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "ada", claims.Username)
	assert.Equal(t, "ada", claims.Subject)

	_, err = NewJWTHandler("two", time.Minute).ValidateAccessToken(tok)
	require.Error(t, err)

	j.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = j.ValidateAccessToken(tok)
	require.Error(t, err)
}

func TestLoginAndLockout(t *testing.T) {
	a := newService(t, true)

	tok, err := a.LoginUser("ada", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	claims, perms, err := a.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.True(t, HasPermission(perms, PermAdmin))

	_, err = a.LoginUser("nobody", "x", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	for i := 0; i < maxFailedAttempts; i++ {
		_, err = a.LoginUser("otto", "wrong", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = a.LoginUser("otto", "op", "")
	require.ErrorIs(t, err, ErrAccountLocked)

	a.now = func() time.Time { return time.Now().Add(lockoutDuration + time.Second) }
	_, err = a.LoginUser("otto", "op", "")
	require.NoError(t, err)
}

func TestRolePermissions(t *testing.T) {
	assert.Equal(t, []Permission{PermOperator, PermTechnician}, RolePermissions(RoleTechnician))
	assert.Nil(t, RolePermissions("guest"))
	assert.False(t, HasPermission(RolePermissions(RoleOperator), PermTechnician))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newService(t, true)
	r := gin.New()
	r.GET("/admin", a.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, Username(c))
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer abc").Code)

	op, err := a.LoginUser("otto", "op", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do("Bearer "+op).Code)

	admin, err := a.LoginUser("ada", "s3cret", "")
	require.NoError(t, err)
	w := do("Bearer " + admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada", w.Body.String())
}

func TestMiddlewareDisabledGrantsAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newService(t, false)
	r := gin.New()
	r.GET("/x", a.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
