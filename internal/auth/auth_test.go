package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	admin, err := HashPassword("s3cret")
	require.NoError(t, err)
	viewer, err := HashPassword("look")
	require.NoError(t, err)
	svc, err := NewService(Config{
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Users: []User{
			{Username: "root", PasswordHash: admin, Roles: []string{RoleAdmin}},
			{Username: "ops", PasswordHash: viewer, Roles: []string{RoleViewer}},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Config{Enabled: true})
	assert.Error(t, err)
	_, err = NewService(Config{Users: []User{{Username: "a", PasswordHash: "plain"}}})
	assert.Error(t, err, "plain text is not a bcrypt hash")
}

func TestLoginAndVerify(t *testing.T) {
	svc := newService(t)

	_, err := svc.Login("root", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login("nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := svc.Login("root", "s3cret")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Token)
	assert.Equal(t, "Bearer", res.Token.Type)

	got, err := svc.VerifyToken(res.Token.Value)
	require.NoError(t, err)
	assert.Equal(t, "root", got.Username)
	assert.Equal(t, []string{RoleAdmin}, got.Roles)

	_, err = svc.VerifyToken(res.Token.Value + "x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenExpires(t *testing.T) {
	svc := newService(t)
	res, err := svc.Login("ops", "look")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.VerifyToken(res.Token.Value)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	svc := newService(t)
	res, err := svc.Login("root", "s3cret")
	require.NoError(t, err)

	other := newService(t)
	other.secret = []byte("different")
	_, err = other.VerifyToken(res.Token.Value)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission([]string{RoleAdmin}, ActionWrite))
	assert.True(t, HasPermission([]string{RoleViewer}, ActionRead))
	assert.False(t, HasPermission([]string{RoleViewer}, ActionWrite))
	assert.False(t, HasPermission(nil, ActionRead))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t)
	m := NewMiddleware(svc)

	r := gin.New()
	r.Use(m.GinAuth())
	r.GET("/read", m.GinRequire(ActionRead), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/write", m.GinRequire(ActionWrite), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string, set func(*http.Request)) int {
		req := httptest.NewRequest(method, path, nil)
		if set != nil {
			set(req)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/read", nil))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/read", func(r *http.Request) { r.SetBasicAuth("ops", "look") }))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/write", func(r *http.Request) { r.SetBasicAuth("ops", "look") }))

	res, err := svc.Login("root", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/write", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+res.Token.Value)
	}))
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMiddleware(nil)
	assert.False(t, m.Enabled())
	r := gin.New()
	r.Use(m.GinAuth())
	r.POST("/write", m.GinRequire(ActionWrite), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/write", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
