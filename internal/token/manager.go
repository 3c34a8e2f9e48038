package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/driftmail/engine/internal/config"
	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/store"
)

// Token endpoints per provider kind.
const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	yahooTokenURL     = "https://api.login.yahoo.com/oauth2/get_token"
)

// refreshMargin is how close to expiry a token may get before it is
// refreshed ahead of use.
const refreshMargin = 5 * time.Minute

// Result is the outcome of a token lookup. NeedsReauth means the
// refresh grant is dead and the user must re-authorize; it is a value,
// not an error, so sync loops can surface it instead of crashing.
type Result struct {
	AccessToken string `json:"accessToken,omitempty"`
	NeedsReauth bool   `json:"needsReauth,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Manager owns OAuth token validity per account and serializes
// refreshes: concurrent callers for the same account coalesce into a
// single outbound refresh call.
type Manager struct {
	store  *store.Store
	oauth  config.OAuthConfig
	client *http.Client
	group  singleflight.Group

	// endpoint overrides for tests
	googleURL    string
	microsoftURL string
	yahooURL     string
}

func NewManager(st *store.Store, oauth config.OAuthConfig) *Manager {
	return &Manager{
		store:        st,
		oauth:        oauth,
		client:       &http.Client{Timeout: 30 * time.Second},
		googleURL:    googleTokenURL,
		microsoftURL: microsoftTokenURL,
		yahooURL:     yahooTokenURL,
	}
}

// GetValidAccessToken returns a usable access token for the account,
// refreshing it first when it is within the safety margin of expiry.
// Transient failures (timeouts, transport errors) come back as an
// error; a dead grant comes back as Result.NeedsReauth.
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID string) (*Result, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if time.Until(account.TokenExpires) > refreshMargin {
		return &Result{AccessToken: account.AccessToken}, nil
	}

	// Coalesce concurrent refreshes per account id.
	v, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// refresh re-reads the account inside the flight: a caller that lost
// the singleflight race must not refresh a token a winner just rotated.
func (m *Manager) refresh(ctx context.Context, accountID string) (*Result, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if time.Until(account.TokenExpires) > refreshMargin {
		return &Result{AccessToken: account.AccessToken}, nil
	}
	if account.RefreshToken == "" {
		return &Result{NeedsReauth: true, Err: "no refresh token stored"}, nil
	}

	req, err := m.refreshRequest(ctx, account)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &provider.NetworkError{Op: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.NetworkError{Op: "token refresh read", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		// invalid_grant and friends: the stored token stays untouched
		// and the caller is told to re-auth.
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
			if resp.StatusCode >= 500 {
				return nil, &provider.NetworkError{Op: "token refresh", Err: fmt.Errorf("status %d", resp.StatusCode)}
			}
			return &Result{NeedsReauth: true, Err: fmt.Sprintf("refresh failed with status %d", resp.StatusCode)}, nil
		}
		return &Result{NeedsReauth: true, Err: oauthErr.Error}, nil
	}

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return &Result{NeedsReauth: true, Err: "empty access token in refresh response"}, nil
	}

	// Some providers rotate the refresh token; keep the old one when
	// the response omits it.
	refreshToken := account.RefreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := m.store.UpdateTokens(ctx, accountID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return &Result{AccessToken: tok.AccessToken}, nil
}

// refreshRequest builds the provider-shaped refresh call. Google puts
// client credentials in the form body; Microsoft additionally passes
// scope; Yahoo wants HTTP Basic auth instead of body credentials.
func (m *Manager) refreshRequest(ctx context.Context, account *store.Account) (*http.Request, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", account.RefreshToken)

	var endpoint string
	var basicUser, basicPass string

	switch account.Kind {
	case store.KindGmail:
		endpoint = m.googleURL
		form.Set("client_id", m.oauth.Google.ClientID)
		form.Set("client_secret", m.oauth.Google.ClientSecret)
	case store.KindMicrosoft:
		endpoint = m.microsoftURL
		form.Set("client_id", m.oauth.Microsoft.ClientID)
		form.Set("client_secret", m.oauth.Microsoft.ClientSecret)
		form.Set("scope", m.oauth.Microsoft.Scope)
	case store.KindYahoo:
		endpoint = m.yahooURL
		basicUser = m.oauth.Yahoo.ClientID
		basicPass = m.oauth.Yahoo.ClientSecret
	default:
		return nil, fmt.Errorf("account kind %q has no oauth refresh", account.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	return req, nil
}

// TokenSource adapts the manager to oauth2.TokenSource so SDK clients
// pick up refreshed tokens transparently.
func (m *Manager) TokenSource(accountID string) oauth2.TokenSource {
	return &managerSource{manager: m, accountID: accountID}
}

type managerSource struct {
	manager   *Manager
	accountID string
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	res, err := s.manager.GetValidAccessToken(ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	if res.NeedsReauth {
		return nil, &provider.AuthError{Reason: res.Err}
	}
	return &oauth2.Token{AccessToken: res.AccessToken, TokenType: "Bearer"}, nil
}

// SetEndpoints overrides the provider token URLs (tests only).
func (m *Manager) SetEndpoints(google, microsoft, yahoo string) {
	if google != "" {
		m.googleURL = google
	}
	if microsoft != "" {
		m.microsoftURL = microsoft
	}
	if yahoo != "" {
		m.yahooURL = yahoo
	}
}
