package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/voicelink/gateway/internal/config"
)

type fakeUpstream struct {
	t        *testing.T
	rotate   bool
	mu       sync.Mutex
	lastForm map[string]string
}

func (f *fakeUpstream) form(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm[key]
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/o2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		f.mu.Lock()
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}
		f.mu.Unlock()
		if r.PostForm.Get("client_id") != "client" || r.PostForm.Get("client_secret") != "secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}

		resp := map[string]any{
			"token_type": "bearer",
			"expires_in": 3600,
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			resp["access_token"] = "Atza|exchanged"
			resp["refresh_token"] = "Atzr|exchanged"
		case "refresh_token":
			resp["access_token"] = "Atza|refreshed"
			if f.rotate {
				resp["refresh_token"] = "Atzr|rotated"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer Atza|exchanged":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user_id":"amzn1.account.X","name":"Ada","email":"ada@example.com"}`))
		case "Bearer Atza|anonymous":
			_, _ = w.Write([]byte(`{"name":"nobody"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	return mux
}

func newTestProvider(t *testing.T, rotate bool) (*OAuthProvider, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{t: t, rotate: rotate}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	p := New(config.UpstreamConfig{
		ClientID:       "client",
		ClientSecret:   "secret",
		TokenURL:       srv.URL + "/auth/o2/token",
		ProfileURL:     srv.URL + "/user/profile",
		RequestTimeout: config.Duration{Duration: 5 * time.Second},
	})
	return p, up
}

func TestExchangeCode(t *testing.T) {
	p, up := newTestProvider(t, false)

	tokens, err := p.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "Atza|exchanged", tokens.AccessToken)
	assert.Equal(t, "Atzr|exchanged", tokens.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.Expiry, 10*time.Second)
	assert.Equal(t, "authorization_code", up.form("grant_type"))
}

func TestExchangeCodeRejected(t *testing.T) {
	p, _ := newTestProvider(t, false)

	_, err := p.ExchangeCode(context.Background(), "bad-code")
	require.Error(t, err)

	_, err = p.ExchangeCode(context.Background(), "")
	require.Error(t, err)
}

func TestRefresh(t *testing.T) {
	t.Run("keeps refresh token when not rotated", func(t *testing.T) {
		p, up := newTestProvider(t, false)
		tokens, err := p.Refresh(context.Background(), "Atzr|original")
		require.NoError(t, err)
		assert.Equal(t, "Atza|refreshed", tokens.AccessToken)
		assert.Equal(t, "Atzr|original", tokens.RefreshToken)
		assert.Equal(t, "refresh_token", up.form("grant_type"))
		assert.Equal(t, "Atzr|original", up.form("refresh_token"))
	})

	t.Run("returns rotated refresh token", func(t *testing.T) {
		p, _ := newTestProvider(t, true)
		tokens, err := p.Refresh(context.Background(), "Atzr|original")
		require.NoError(t, err)
		assert.Equal(t, "Atzr|rotated", tokens.RefreshToken)
	})

	t.Run("requires refresh token", func(t *testing.T) {
		p, _ := newTestProvider(t, false)
		_, err := p.Refresh(context.Background(), "")
		require.Error(t, err)
	})
}

func TestProfile(t *testing.T) {
	p, _ := newTestProvider(t, false)
	ctx := context.Background()

	profile, err := p.Profile(ctx, "Atza|exchanged")
	require.NoError(t, err)
	assert.Equal(t, "amzn1.account.X", profile.UserID)
	assert.Equal(t, "Ada", profile.Name)

	_, err = p.Profile(ctx, "Atza|unknown")
	require.Error(t, err)

	_, err = p.Profile(ctx, "Atza|anonymous")
	require.Error(t, err)
}
