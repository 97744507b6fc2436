package exchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/proxyhifi-dev/lords/internal/utils"
)

// Credentials hands out the current Authorization header and refreshes it.
//
// AuthHeader returns a generation number alongside the header. Refresh is given the
// generation the caller saw rejected; if another caller already refreshed past it,
// Refresh returns immediately.
type Credentials interface {
	AuthHeader() (header string, generation uint64, err error)
	Refresh(ctx context.Context, staleGeneration uint64) error
}

// Token is the persisted credential set.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenStore persists the credential set between runs.
type TokenStore interface {
	Load() (Token, error)
	Save(Token) error
}

// FileTokenStore keeps the token as JSON on disk.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load() (Token, error) {
	var t Token
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return t, nil
}

// Save writes to a temp file and renames it into place.
func (s FileTokenStore) Save(t Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".token-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

type AuthConfig struct {
	AppID       string
	SecretKey   string
	Pin         string
	RedirectURI string
	BaseURL     string
	TokenTTL    time.Duration
}

// Authenticator owns the credential set. Nothing outside it reads the raw tokens.
type Authenticator struct {
	cfg   AuthConfig
	http  *http.Client
	store TokenStore

	mu    sync.RWMutex
	token Token
	gen   uint64

	refreshMu sync.Mutex
	now       func() time.Time
}

func NewAuthenticator(cfg AuthConfig, store TokenStore, hc *http.Client) *Authenticator {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 23 * time.Hour
	}
	a := &Authenticator{cfg: cfg, http: hc, store: store, now: time.Now}
	if store != nil {
		if t, err := store.Load(); err == nil {
			a.token = t
		} else if !errors.Is(err, os.ErrNotExist) {
			utils.WithComponent("auth").Warnf("Authenticator | Ignoring unreadable token store: %v", err)
		}
	}
	return a
}

// SetToken installs an externally obtained token.
func (a *Authenticator) SetToken(t Token) {
	a.mu.Lock()
	a.token = t
	a.gen++
	a.mu.Unlock()
	a.persist(t)
}

// AppIDHash is sha256("<app_id>:<secret>") in hex.
func (a *Authenticator) AppIDHash() string {
	sum := sha256.Sum256([]byte(a.cfg.AppID + ":" + a.cfg.SecretKey))
	return hex.EncodeToString(sum[:])
}

// LoginURL is where the operator obtains an auth code.
func (a *Authenticator) LoginURL(state string) string {
	q := url.Values{}
	q.Set("client_id", a.cfg.AppID)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/generate-authcode?" + q.Encode()
}

// Valid reports whether an unexpired access token is held.
func (a *Authenticator) Valid() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token.AccessToken != "" && (a.token.ExpiresAt.IsZero() || a.now().Before(a.token.ExpiresAt))
}

func (a *Authenticator) AuthHeader() (string, uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token.AccessToken == "" {
		return "", a.gen, &AuthError{Reason: "no access token, log in first"}
	}
	return a.cfg.AppID + ":" + a.token.AccessToken, a.gen, nil
}

// ExchangeAuthCode trades an auth code for a fresh token pair.
func (a *Authenticator) ExchangeAuthCode(ctx context.Context, code string) error {
	body := map[string]string{
		"grant_type": "authorization_code",
		"appIdHash":  a.AppIDHash(),
		"code":       code,
	}
	status, resp, err := a.post(ctx, "/validate-authcode", body)
	if err != nil {
		return &AuthError{Reason: "validate-authcode request failed", Err: err}
	}
	if status != http.StatusOK || resp.S != "ok" || resp.AccessToken == "" {
		return &AuthError{Reason: fmt.Sprintf("validate-authcode rejected (status %d): %s", status, resp.Message)}
	}
	a.install(resp)
	utils.WithComponent("auth").Info("Authenticator | Access token obtained from auth code")
	return nil
}

// Refresh obtains a new access token with the refresh token, at most once per stale
// generation.
func (a *Authenticator) Refresh(ctx context.Context, staleGeneration uint64) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.RLock()
	gen, refreshToken := a.gen, a.token.RefreshToken
	a.mu.RUnlock()
	if gen != staleGeneration {
		return nil
	}
	if refreshToken == "" {
		return &AuthError{Reason: "no refresh token"}
	}

	body := map[string]string{
		"grant_type":    "refresh_token",
		"appIdHash":     a.AppIDHash(),
		"refresh_token": refreshToken,
		"pin":           a.cfg.Pin,
	}
	status, resp, err := a.post(ctx, "/validate-refresh-token", body)
	if err == nil && status == http.StatusNotFound {
		utils.WithComponent("auth").Warn("Authenticator | validate-refresh-token not found, falling back to /token")
		status, resp, err = a.post(ctx, "/token", body)
	}
	if err != nil {
		return &AuthError{Reason: "refresh request failed", Err: err}
	}
	if status != http.StatusOK || resp.S != "ok" || resp.AccessToken == "" {
		return &AuthError{Reason: fmt.Sprintf("refresh rejected (status %d): %s", status, resp.Message)}
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	a.install(resp)
	utils.WithComponent("auth").Info("Authenticator | Access token refreshed")
	return nil
}

type tokenResponse struct {
	S            string `json:"s"`
	Code         int    `json:"code"`
	Message      string `json:"message"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (a *Authenticator) install(resp tokenResponse) {
	t := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    a.now().Add(a.cfg.TokenTTL),
	}
	a.mu.Lock()
	a.token = t
	a.gen++
	a.mu.Unlock()
	a.persist(t)
}

func (a *Authenticator) persist(t Token) {
	if a.store == nil {
		return
	}
	if err := a.store.Save(t); err != nil {
		utils.WithComponent("auth").Errorf("Authenticator | Failed to persist token: %v", err)
	}
}

func (a *Authenticator) post(ctx context.Context, path string, body any) (int, tokenResponse, error) {
	var out tokenResponse
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return 0, out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, out, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, out, err
	}
	// a non-JSON body leaves out empty; callers check S
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, nil
}
