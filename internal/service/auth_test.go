package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(auth *AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/ping", auth.AuthMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	secret, url, err := GenerateSecret("Publisher", "ops")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		code   string
		want   int
	}{
		{name: "disabled", secret: "", code: "", want: http.StatusOK},
		{name: "missing code", secret: secret, code: "", want: http.StatusUnauthorized},
		{name: "wrong code", secret: secret, code: "000000", want: http.StatusUnauthorized},
		{name: "valid code", secret: secret, code: code, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRouter(NewAuthService(zap.NewNop(), tt.secret))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
			if tt.code != "" {
				req.Header.Set(TOTPHeader, tt.code)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
