package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppIDHash(t *testing.T) {
	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", SecretKey: "s3cret"}, nil, nil)
	sum := sha256.Sum256([]byte("ABC-100:s3cret"))
	assert.Equal(t, hex.EncodeToString(sum[:]), a.AppIDHash())
}

func TestAuthHeaderWithoutToken(t *testing.T) {
	a := NewAuthenticator(AuthConfig{AppID: "ABC-100"}, nil, nil)
	_, _, err := a.AuthHeader()
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	a.SetToken(Token{AccessToken: "tok"})
	header, gen, err := a.AuthHeader()
	require.NoError(t, err)
	assert.Equal(t, "ABC-100:tok", header)
	assert.EqualValues(t, 1, gen)
	assert.True(t, a.Valid())
}

func TestLoginURL(t *testing.T) {
	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", RedirectURI: "http://localhost/cb", BaseURL: "https://api.example.com/api/v3/"}, nil, nil)
	u := a.LoginURL("xyz")
	assert.Contains(t, u, "https://api.example.com/api/v3/generate-authcode?")
	assert.Contains(t, u, "client_id=ABC-100")
	assert.Contains(t, u, "state=xyz")
	assert.Contains(t, u, "response_type=code")
}

func TestExchangeAuthCodePersistsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validate-authcode", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "authorization_code", body["grant_type"])
		assert.Equal(t, "the-code", body["code"])
		writeJSON(w, http.StatusOK, map[string]any{"s": "ok", "access_token": "acc-1", "refresh_token": "ref-1"})
	}))
	defer srv.Close()

	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}
	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", SecretKey: "s", BaseURL: srv.URL}, store, srv.Client())
	require.NoError(t, a.ExchangeAuthCode(context.Background(), "the-code"))

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "acc-1", saved.AccessToken)
	assert.Equal(t, "ref-1", saved.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(23*time.Hour), saved.ExpiresAt, time.Minute)

	reloaded := NewAuthenticator(AuthConfig{AppID: "ABC-100"}, store, nil)
	header, _, err := reloaded.AuthHeader()
	require.NoError(t, err)
	assert.Equal(t, "ABC-100:acc-1", header)
}

func TestRefreshFallsBackToTokenEndpoint(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/validate-refresh-token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ref-1", body["refresh_token"])
		assert.Equal(t, "1234", body["pin"])
		writeJSON(w, http.StatusOK, map[string]any{"s": "ok", "access_token": "acc-2"})
	}))
	defer srv.Close()

	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", Pin: "1234", BaseURL: srv.URL}, nil, srv.Client())
	a.SetToken(Token{AccessToken: "acc-1", RefreshToken: "ref-1"})
	_, gen, _ := a.AuthHeader()

	require.NoError(t, a.Refresh(context.Background(), gen))
	header, _, err := a.AuthHeader()
	require.NoError(t, err)
	assert.Equal(t, "ABC-100:acc-2", header)
	assert.Equal(t, []string{"/validate-refresh-token", "/token"}, paths)

	// the old refresh token survives a response that omits one
	a.mu.RLock()
	assert.Equal(t, "ref-1", a.token.RefreshToken)
	a.mu.RUnlock()
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"s": "ok", "access_token": "acc-2", "refresh_token": "ref-2"})
	}))
	defer srv.Close()

	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", BaseURL: srv.URL}, nil, srv.Client())
	a.SetToken(Token{AccessToken: "acc-1", RefreshToken: "ref-1"})
	_, gen, _ := a.AuthHeader()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Refresh(context.Background(), gen))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"s": "error", "message": "invalid pin"})
	}))
	defer srv.Close()

	a := NewAuthenticator(AuthConfig{AppID: "ABC-100", BaseURL: srv.URL}, nil, srv.Client())
	a.SetToken(Token{AccessToken: "acc-1", RefreshToken: "ref-1"})
	_, gen, _ := a.AuthHeader()

	err := a.Refresh(context.Background(), gen)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Error(), "invalid pin")
}

func TestFileTokenStoreMissingFile(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "absent.json")}
	_, err := store.Load()
	require.Error(t, err)

	a := NewAuthenticator(AuthConfig{AppID: "ABC-100"}, store, nil)
	assert.False(t, a.Valid())
}
