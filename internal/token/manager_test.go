package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftmail/engine/internal/config"
	"github.com/driftmail/engine/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, config.OAuthConfig{
		Google:    config.OAuthClient{ClientID: "gid", ClientSecret: "gsecret"},
		Microsoft: config.OAuthClient{ClientID: "mid", ClientSecret: "msecret", Scope: "offline_access Mail.ReadWrite"},
		Yahoo:     config.OAuthClient{ClientID: "yid", ClientSecret: "ysecret"},
	})
	return m, st
}

func addAccount(t *testing.T, st *store.Store, kind string, expires time.Time) *store.Account {
	t.Helper()
	account := &store.Account{
		ID:           "acc-" + kind,
		Email:        kind + "@example.com",
		Kind:         kind,
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		TokenExpires: expires,
	}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindGmail, time.Now().Add(time.Hour))

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()
	m.SetEndpoints(srv.URL, "", "")

	res, err := m.GetValidAccessToken(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if res.AccessToken != "stale-access" {
		t.Errorf("token = %q, want stored token", res.AccessToken)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("refresh endpoint called %d times for a fresh token", calls)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindGmail, time.Now().Add(-time.Minute))

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond) // let callers pile up
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()
	m.SetEndpoints(srv.URL, "", "")

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.GetValidAccessToken(context.Background(), account.ID)
			if err != nil {
				t.Errorf("get token: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i, res := range results {
		if res == nil || res.AccessToken != "fresh-access" {
			t.Errorf("caller %d got %+v, want fresh-access", i, res)
		}
	}
}

func TestInvalidGrantReportsReauth(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindGmail, time.Now().Add(-time.Minute))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()
	m.SetEndpoints(srv.URL, "", "")

	res, err := m.GetValidAccessToken(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("needsReauth must come back as a value, got error %v", err)
	}
	if !res.NeedsReauth {
		t.Error("expected NeedsReauth")
	}
	if res.Err != "invalid_grant" {
		t.Errorf("Err = %q, want invalid_grant", res.Err)
	}

	// The dead grant must not clobber the stored tokens.
	got, err := st.GetAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.RefreshToken != "refresh-1" {
		t.Errorf("stored refresh token changed to %q", got.RefreshToken)
	}
}

func TestRotatedRefreshTokenPersisted(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindGmail, time.Now().Add(-time.Minute))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-access",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()
	m.SetEndpoints(srv.URL, "", "")

	if _, err := m.GetValidAccessToken(context.Background(), account.ID); err != nil {
		t.Fatalf("get token: %v", err)
	}

	got, err := st.GetAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.RefreshToken != "refresh-2" {
		t.Errorf("refresh token = %q, want rotated refresh-2", got.RefreshToken)
	}
	if got.AccessToken != "fresh-access" {
		t.Errorf("access token = %q, want fresh-access", got.AccessToken)
	}
}

func TestYahooUsesBasicAuth(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindYahoo, time.Now().Add(-time.Minute))

	var sawBasic bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		sawBasic = ok && user == "yid" && pass == "ysecret"
		if r.FormValue("client_id") != "" {
			t.Error("yahoo refresh must not carry client_id in the body")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "y-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()
	m.SetEndpoints("", "", srv.URL)

	if _, err := m.GetValidAccessToken(context.Background(), account.ID); err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !sawBasic {
		t.Error("expected basic auth with yahoo client credentials")
	}
}

func TestMicrosoftSendsScope(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindMicrosoft, time.Now().Add(-time.Minute))

	var scope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope = r.FormValue("scope")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "m-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()
	m.SetEndpoints("", srv.URL, "")

	if _, err := m.GetValidAccessToken(context.Background(), account.ID); err != nil {
		t.Fatalf("get token: %v", err)
	}
	if scope != "offline_access Mail.ReadWrite" {
		t.Errorf("scope = %q", scope)
	}
}

func TestServerErrorIsNetworkError(t *testing.T) {
	m, st := newTestManager(t)
	account := addAccount(t, st, store.KindGmail, time.Now().Add(-time.Minute))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	m.SetEndpoints(srv.URL, "", "")

	_, err := m.GetValidAccessToken(context.Background(), account.ID)
	if err == nil {
		t.Fatal("expected an error for a 5xx refresh response")
	}
}
