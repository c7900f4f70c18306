package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/pkg/jwt"

	"go.uber.org/zap"
)

var (
	ErrNoCredentials = errors.New("no credentials stored")
	ErrNoRefreshURL  = errors.New("refresh url not configured")
)

const defaultSkew = 30 * time.Second

// envelope mirrors the sync server's response wrapper.
type envelope struct {
	Success bool                 `json:"success"`
	Data    domain.TokenResponse `json:"data"`
	Error   string               `json:"error,omitempty"`
}

// TokenFile keeps the bearer token pair in a JSON file and renews the access
// token against the sync server's refresh endpoint.
type TokenFile struct {
	path       string
	refreshURL string
	client     *http.Client
	skew       time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	creds  domain.Credentials
	loaded bool
}

func NewTokenFile(path, refreshURL string, logger *zap.Logger) *TokenFile {
	return &TokenFile{
		path:       path,
		refreshURL: refreshURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		skew:       defaultSkew,
		logger:     logger,
		now:        time.Now,
	}
}

// Load reads the token file. A missing file leaves the source without
// credentials; the monitor then stays online until a token is written.
func (t *TokenFile) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked()
}

func (t *TokenFile) loadLocked() error {
	t.loaded = true
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.creds = domain.Credentials{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	var creds domain.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("failed to decode token file: %w", err)
	}
	t.creds = creds
	return nil
}

// Token returns the current access token, or "" when none is stored.
func (t *TokenFile) Token() string {
	t.ensureLoaded()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.creds.AccessToken
}

// UserID is the user the access token was issued to.
func (t *TokenFile) UserID() string {
	token := t.Token()
	if token == "" {
		return ""
	}
	claims, err := jwt.Inspect(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}

func (t *TokenFile) Valid(ctx context.Context) bool {
	token := t.Token()
	if token == "" {
		return false
	}

	claims, err := jwt.Inspect(token)
	if err != nil {
		t.logger.Warn("stored access token is unreadable", zap.Error(err))
		return false
	}
	expiring, err := jwt.ExpiresWithin(claims, t.now(), t.skew)
	if errors.Is(err, jwt.ErrNoExpiry) {
		return true
	}
	return err == nil && !expiring
}

func (t *TokenFile) Refresh(ctx context.Context) error {
	if t.refreshURL == "" {
		return ErrNoRefreshURL
	}

	t.ensureLoaded()
	t.mu.RLock()
	refreshToken := t.creds.RefreshToken
	t.mu.RUnlock()
	if refreshToken == "" {
		return &domain.AuthError{Err: ErrNoCredentials}
	}

	body, err := json.Marshal(domain.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &domain.TransientRemoteError{Err: fmt.Errorf("failed to refresh token: %w", err)}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && resp.StatusCode < 400 {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Err: fmt.Errorf("refresh rejected: %s", env.Error)}
	case resp.StatusCode >= 500:
		return &domain.TransientRemoteError{Err: fmt.Errorf("refresh failed with status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, env.Error)
	}
	if !env.Success || env.Data.AccessToken == "" {
		return fmt.Errorf("refresh response carried no access token")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	creds := t.creds
	creds.AccessToken = env.Data.AccessToken
	if err := t.saveLocked(creds); err != nil {
		return err
	}
	t.creds = creds

	t.logger.Info("access token refreshed", zap.Int64("expires_in", env.Data.ExpiresIn))
	return nil
}

// Store replaces the stored credentials.
func (t *TokenFile) Store(creds domain.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.saveLocked(creds); err != nil {
		return err
	}
	t.creds = creds
	t.loaded = true
	return nil
}

func (t *TokenFile) ensureLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return
	}
	if err := t.loadLocked(); err != nil {
		t.logger.Warn("failed to load credentials", zap.String("path", t.path), zap.Error(err))
	}
}

func (t *TokenFile) saveLocked(creds domain.Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to protect token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
