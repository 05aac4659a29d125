package tably

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Token Lifecycle Manager
// ============================================================================

// requestSpec describes one REST request in replayable form, so a request
// can be re-issued once after a token refresh with the same method, path,
// body and headers.
type requestSpec struct {
	method string
	path   string
	body   any
	query  map[string]string
	header http.Header
}

// sendFunc issues a single request attempt with the given bearer token
// (empty for none) and returns the HTTP status and raw body.
type sendFunc func(ctx context.Context, spec requestSpec, token string) (int, []byte, error)

// tokenManager wraps every outbound request: it attaches the current access
// token, detects authorization failures, performs a single-flight refresh,
// retries the original request exactly once, and tears the session down
// when recovery is impossible. It holds no token state of its own; the
// credential store is the single source of truth.
type tokenManager struct {
	store       CredentialStore
	send        sendFunc
	refreshPath string
	sf          singleflight.Group
	log         *slog.Logger
}

func newTokenManager(store CredentialStore, send sendFunc, log *slog.Logger) *tokenManager {
	return &tokenManager{
		store:       store,
		send:        send,
		refreshPath: "/api/auth/refresh",
		log:         log,
	}
}

// execute issues the request with auth recovery. Non-auth failures surface
// untouched and are never retried here.
func (m *tokenManager) execute(ctx context.Context, spec requestSpec) ([]byte, error) {
	attached := ""
	if sess := m.store.Session(); sess != nil {
		attached = sess.AccessToken
	}

	status, data, err := m.send(ctx, spec, attached)
	if err != nil {
		return nil, err
	}
	if !isAuthStatus(status) || attached == "" {
		return m.finish(status, data)
	}

	m.log.Debug("auth.recover", "status", status, "method", spec.method, "path", spec.path)

	// Another request may have completed a refresh while this one was in
	// flight; in that case the store already holds a newer token and no
	// further refresh is needed before the retry.
	renewed := m.store.Session()
	if renewed == nil || renewed.AccessToken == attached {
		renewed, err = m.refreshSession(ctx)
		if err != nil {
			return nil, err
		}
	}

	status, data, err = m.send(ctx, spec, renewed.AccessToken)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(status) {
		// A freshly issued token was rejected: no recovery path left.
		m.teardown("retry rejected")
		return nil, fmt.Errorf("%s %s: %w", spec.method, spec.path, ErrSessionExpired)
	}
	return m.finish(status, data)
}

// refreshSession performs the single-flight token refresh. All concurrent
// callers share one in-flight refresh and receive the same renewed session
// or the same error.
func (m *tokenManager) refreshSession(ctx context.Context) (*Session, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		sess := m.store.Session()
		if sess == nil || sess.RefreshToken == "" {
			return nil, fmt.Errorf("no refresh token: %w", ErrSessionExpired)
		}

		m.log.Debug("auth.refresh.start")
		status, data, err := m.send(ctx, requestSpec{
			method: http.MethodPost,
			path:   m.refreshPath,
			body:   map[string]string{"refreshToken": sess.RefreshToken},
		}, "")
		if err != nil {
			// Transport failure: the session stays intact so a later
			// request can attempt recovery again.
			return nil, fmt.Errorf("refresh request: %w", err)
		}
		if status == http.StatusBadRequest || isAuthStatus(status) {
			m.teardown("refresh rejected")
			return nil, fmt.Errorf("refresh rejected (status %d): %w", status, ErrSessionExpired)
		}
		if status >= 400 {
			return nil, apiErrorFrom(status, data)
		}

		next, err := sessionFromAuthData(data)
		if err != nil {
			return nil, fmt.Errorf("refresh response: %w", err)
		}
		if err := m.store.SetSession(next); err != nil {
			return nil, fmt.Errorf("failed to store renewed session: %w", err)
		}
		m.log.Info("auth.refresh.ok", "user", next.Identity.UserID)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// teardown clears the session. The store broadcasts the change, which the
// realtime automaton observes and reacts to by disconnecting.
func (m *tokenManager) teardown(reason string) {
	m.log.Warn("auth.teardown", "reason", reason)
	if err := m.store.ClearSession(); err != nil {
		m.log.Error("auth.teardown.clear", "error", err)
	}
}

// finish converts a non-auth HTTP outcome into the caller's result: 2xx
// bodies pass through, anything else decodes into an *APIError.
func (m *tokenManager) finish(status int, data []byte) ([]byte, error) {
	if status >= 400 {
		return nil, apiErrorFrom(status, data)
	}
	return data, nil
}

func apiErrorFrom(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		envelope.Error.Status = status
		return envelope.Error
	}
	return &APIError{Status: status, Message: http.StatusText(status)}
}

// ============================================================================
// Session construction
// ============================================================================

// sessionFromAuthData builds a Session from a login or refresh response.
// Identity and expiry prefer the response body; when the server omits them
// (the refresh endpoint returns a bare token pair) they are recovered from
// the access token's unverified claims.
func sessionFromAuthData(data []byte) (*Session, error) {
	res, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	var auth AuthData
	if err := res.Decode(&auth); err != nil {
		return nil, err
	}
	if auth.AccessToken == "" || auth.RefreshToken == "" {
		return nil, fmt.Errorf("auth response missing token pair")
	}

	s := &Session{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
	}
	if auth.User != nil {
		s.Identity = Identity{
			UserID:    auth.User.ID,
			CompanyID: auth.User.CompanyID,
			Role:      auth.User.Role,
		}
	}
	if auth.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	}

	if s.Identity.UserID == "" || s.ExpiresAt.IsZero() {
		ident, exp := claimsFromToken(auth.AccessToken)
		if s.Identity.UserID == "" {
			s.Identity = ident
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = exp
		}
	}
	return s, nil
}

// claimsFromToken decodes identity and expiry from a JWT without verifying
// its signature. The server remains the authority; these values are hints
// for display and channel defaults only.
func claimsFromToken(token string) (Identity, time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, time.Time{}
	}

	var ident Identity
	if sub, err := claims.GetSubject(); err == nil {
		ident.UserID = sub
	}
	if v, ok := claims["companyId"].(string); ok {
		ident.CompanyID = v
	}
	if v, ok := claims["role"].(string); ok {
		ident.Role = v
	}

	var exp time.Time
	if t, err := claims.GetExpirationTime(); err == nil && t != nil {
		exp = t.Time
	}
	return ident, exp
}

// ============================================================================
// Auth Sub-Client
// ============================================================================

// AuthClient covers the authentication endpoints and the credential store
// transitions they drive.
type AuthClient struct {
	client *Client
}

// Login exchanges credentials for a session and installs it in the
// credential store.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	data, err := a.client.doRequest(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	sess, err := sessionFromAuthData(data)
	if err != nil {
		return nil, fmt.Errorf("login response: %w", err)
	}
	if err := a.client.store.SetSession(sess); err != nil {
		return nil, err
	}
	a.client.log.Info("auth.login", "user", sess.Identity.UserID, "company", sess.Identity.CompanyID)
	return sess, nil
}

// Logout revokes the session server-side and clears the local store. Local
// state is dropped even when the server call fails; an already-expired
// session counts as logged out.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.client.doRequest(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		_ = a.client.store.ClearSession()
		return err
	}
	return a.client.store.ClearSession()
}

// Refresh forces an immediate token rotation outside the 401-driven path.
func (a *AuthClient) Refresh(ctx context.Context) (*Session, error) {
	return a.client.tokens.refreshSession(ctx)
}

// Me fetches the authenticated user's profile.
func (a *AuthClient) Me(ctx context.Context) (*UserProfile, error) {
	data, err := a.client.doRequest(ctx, http.MethodGet, "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	var user UserProfile
	if err := res.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}
