package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tubewatch/internal/storage"
)

// invalidGrantError marks refresh failures that mean the grant itself is
// dead (revoked, expired, wrong client). Retrying cannot help; the
// credential must be deactivated.
type invalidGrantError struct {
	err error
}

func (e *invalidGrantError) Error() string { return e.err.Error() }
func (e *invalidGrantError) Unwrap() error { return e.err }

func IsInvalidGrant(err error) bool {
	var ig *invalidGrantError
	return errors.As(err, &ig)
}

// HTTPRefresher performs the OAuth refresh_token grant against the token URI
// stored with each credential.
type HTTPRefresher struct {
	http *http.Client
}

func NewHTTPRefresher() *HTTPRefresher {
	return &HTTPRefresher{http: &http.Client{Timeout: 15 * time.Second}}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, c *storage.Credential) (string, time.Time, error) {
	if c.TokenURI == "" {
		return "", time.Time{}, &invalidGrantError{err: errors.New("credential missing token uri")}
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.RefreshToken)
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		err := fmt.Errorf("token endpoint: status %d: %s %s",
			resp.StatusCode, oauthErr.Error, oauthErr.Description)
		// The OAuth error code, not the HTTP status, decides whether the
		// grant is dead. 4xx without a code still counts as dead.
		switch oauthErr.Error {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return "", time.Time{}, &invalidGrantError{err: err}
		case "":
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return "", time.Time{}, &invalidGrantError{err: err}
			}
		}
		return "", time.Time{}, err
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint: decode: %w", err)
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, errors.New("token endpoint: empty access token")
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return tok.AccessToken, time.Now().UTC().Add(time.Duration(expiresIn) * time.Second), nil
}
