package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *TokenSigner) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	signer := NewTokenSigner("secret", time.Minute)
	c, err := New(srv.URL, signer, WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c, signer
}

func TestCreateAccountCarriesIdentity(t *testing.T) {
	var signer *TokenSigner
	var got CreateAccountRequest
	c, signer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/publishing/accounts", r.URL.Path)
		claims, err := signer.Parse(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if assert.NoError(t, err) {
			assert.Equal(t, "u-7", claims.UserID)
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"501","platform_id":"zhihu","account_name":"张三"}}`))
	})

	acc, err := c.CreateAccount(context.Background(), "u-7", CreateAccountRequest{PlatformID: "zhihu", DisplayName: "张三"})
	require.NoError(t, err)
	assert.Equal(t, "501", acc.ID)
	assert.Equal(t, "zhihu", got.PlatformID)
}

func TestRecordPublishResult(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req PublishResultRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Success)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"r-1","task_id":"` + req.TaskID + `"}}`))
	})

	rec, err := c.RecordPublishResult(context.Background(), "u", PublishResultRequest{TaskID: "t-1", Success: true})
	require.NoError(t, err)
	assert.Equal(t, "r-1", rec.ID)
	assert.Equal(t, "t-1", rec.TaskID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"success":false,"message":"token expired"}`, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, `{"success":false,"message":"not your account"}`, ErrUnauthorized},
		{"conflict", http.StatusConflict, `{"success":false,"message":"account exists"}`, ErrConflict},
		{"not found", http.StatusNotFound, `{"success":false,"message":"发布记录不存在"}`, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.CreateAccount(context.Background(), "u", CreateAccountRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestServerErrorAndMissingID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/publishing/records" {
			_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := c.CreateAccount(context.Background(), "u", CreateAccountRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Contains(t, err.Error(), "boom")

	_, err = c.RecordPublishResult(context.Background(), "u", PublishResultRequest{})
	assert.ErrorContains(t, err, "without id")
}

func TestMissingIdentityIsRejectedLocally(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := c.CreateAccount(context.Background(), "", CreateAccountRequest{})
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCachedArticles(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/api/articles/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":42,"title":"标题","content":"正文","image_url":"https://img"}}`))
	})
	articles := NewCachedArticles(c, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a, err := articles.GetArticle(ctx, "u", "42")
		require.NoError(t, err)
		assert.Equal(t, publisher.Article{ID: "42", Title: "标题", Body: "正文", MediaURL: "https://img"}, a)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	articles.Forget("u", "42")
	_, err := articles.GetArticle(ctx, "u", "42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, err = articles.GetArticle(ctx, "other-user", "42")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "cache entries are per user")
}

func TestTokenSignerRejectsForeignSecret(t *testing.T) {
	token, err := NewTokenSigner("a", time.Minute).Sign("u")
	require.NoError(t, err)

	_, err = NewTokenSigner("b", time.Minute).Parse(token)
	assert.Error(t, err)
}
