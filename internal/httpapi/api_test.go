package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authmesh.org/internal/auth"
	"authmesh.org/internal/event"
	"authmesh.org/internal/identity"
	"authmesh.org/internal/keys"
	"authmesh.org/internal/token"
)

type plainHasher struct{}

func (plainHasher) Hash(pw string) (string, error) { return "plain:" + pw, nil }
func (plainHasher) Verify(hash, pw string) error {
	if hash != "plain:"+pw {
		return fmt.Errorf("mismatch")
	}
	return nil
}

type apiFixture struct {
	api      *API
	server   *httptest.Server
	log      *event.Log
	verifier *token.Verifier
}

func newAPIFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()
	ks, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	issuer := token.NewIssuer(ks, "authmesh-test")
	log := event.NewLog(4)
	svc := auth.NewService(
		identity.NewMemoryUserStore(),
		identity.NewMemoryRefreshTokenStore(),
		issuer,
		auth.WithHasher(plainHasher{}),
		auth.WithPublisher(log),
	)
	api := New(svc, ks, log, ReadyProbe{}, "test",
		append([]Option{WithPollWindow(50 * time.Millisecond)}, opts...)...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{
		api:      api,
		server:   srv,
		log:      log,
		verifier: token.NewVerifierForKeyStore(ks, "authmesh-test"),
	}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestRegisterIssuesVerifiablePair(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/v1/auth/register", map[string]string{
		"email":    "alice@example.com",
		"password": "s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	pair := decodeBody[tokenPairResponse](t, resp)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	claims, err := f.verifier.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.Subject != "alice@example.com" {
		t.Errorf("sub = %q, want alice@example.com", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "ROLE_USER" {
		t.Errorf("roles = %v, want [ROLE_USER]", claims.Roles)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]string{"email": "bob@example.com", "password": "pw"}

	resp := f.postJSON(t, "/v1/auth/register", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first register = %d, want 201", resp.StatusCode)
	}

	resp = f.postJSON(t, "/v1/auth/register", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second register = %d, want 409", resp.StatusCode)
	}
}

func TestLoginAndRefreshFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.postJSON(t, "/v1/auth/register", map[string]string{
		"email": "carol@example.com", "password": "pw",
	}).Body.Close()

	resp := f.postJSON(t, "/v1/auth/login", map[string]string{
		"email": "carol@example.com", "password": "pw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d, want 200", resp.StatusCode)
	}
	pair := decodeBody[tokenPairResponse](t, resp)

	resp = f.postJSON(t, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh = %d, want 200", resp.StatusCode)
	}
	next := decodeBody[tokenPairResponse](t, resp)
	if next.AccessToken == "" {
		t.Fatal("refresh returned empty access token")
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh returned the same refresh value")
	}

	// Default policy keeps the old value usable (multi-device).
	resp = f.postJSON(t, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second refresh with original value = %d, want 200", resp.StatusCode)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.postJSON(t, "/v1/auth/register", map[string]string{
		"email": "dave@example.com", "password": "right",
	}).Body.Close()

	resp := f.postJSON(t, "/v1/auth/login", map[string]string{
		"email": "dave@example.com", "password": "wrong",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login = %d, want 401", resp.StatusCode)
	}
}

func TestRefreshUnknownTokenRejectedWithoutBody(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/v1/auth/refresh", map[string]string{
		"refresh_token": "does-not-exist",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh = %d, want 401", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("401 body = %q, want empty", buf.String())
	}
}

func TestJWKSServesStableKey(t *testing.T) {
	f := newAPIFixture(t)

	fetch := func() []byte {
		resp, err := http.Get(f.server.URL + "/.well-known/jwks.json")
		if err != nil {
			t.Fatalf("GET jwks: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("jwks status = %d", resp.StatusCode)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read jwks: %v", err)
		}
		return buf.Bytes()
	}

	first := fetch()
	second := fetch()
	if !bytes.Equal(first, second) {
		t.Error("jwks document changed between fetches")
	}

	pub, err := keys.ParseJWKS(first)
	if err != nil {
		t.Fatalf("parse jwks: %v", err)
	}
	if len(pub) != 1 {
		t.Fatalf("key count = %d, want 1", len(pub))
	}
}

func TestEventEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/events/meta")
	if err != nil {
		t.Fatalf("GET meta: %v", err)
	}
	meta := decodeBody[map[string]int](t, resp)
	if meta["partitions"] != 4 {
		t.Fatalf("partitions = %d, want 4", meta["partitions"])
	}

	// Registration publishes identity.created; find its partition and poll.
	f.postJSON(t, "/v1/auth/register", map[string]string{
		"email": "erin@example.com", "password": "pw",
	}).Body.Close()

	var rec event.Record
	found := false
	for p := 0; p < 4 && !found; p++ {
		url := fmt.Sprintf("%s/v1/events/%d?group=readers", f.server.URL, p)
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("poll partition %d: %v", p, err)
		}
		switch resp.StatusCode {
		case http.StatusOK:
			rec = decodeBody[event.Record](t, resp)
			found = true
		case http.StatusNoContent:
			resp.Body.Close()
		default:
			t.Fatalf("poll partition %d = %d", p, resp.StatusCode)
		}
	}
	if !found {
		t.Fatal("published event not found on any partition")
	}
	if rec.Event.Type != event.TypeIdentityCreated {
		t.Fatalf("event type = %q", rec.Event.Type)
	}

	commit := map[string]any{"group": "readers", "offset": rec.Offset}
	resp = f.postJSON(t, fmt.Sprintf("/v1/events/%d/commit", rec.Partition), commit)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("commit = %d, want 204", resp.StatusCode)
	}
	if got := f.log.Committed("readers", rec.Partition); got != rec.Offset {
		t.Fatalf("committed = %d, want %d", got, rec.Offset)
	}

	// Committed past the only record: the next poll drains the window.
	url := fmt.Sprintf("%s/v1/events/%d?group=readers", f.server.URL, rec.Partition)
	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("empty poll: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty poll = %d, want 204", resp.StatusCode)
	}
}

func TestEventPollValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/events/0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing group = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(f.server.URL + "/v1/events/99?group=g")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range partition = %d, want 400", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestRateLimitAppliesToConfiguredAuthBudget(t *testing.T) {
	f := newAPIFixture(t, WithRateLimit(1, 1))

	body := map[string]string{"email": "a@b.com", "password": "pw"}
	resp := f.postJSON(t, "/v1/auth/login", body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("first request must pass, got %d", resp.StatusCode)
	}

	resp = f.postJSON(t, "/v1/auth/login", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429 with burst 1", resp.StatusCode)
	}

	// The event feed stays exempt from the credential throttle.
	meta, err := http.Get(f.server.URL + "/v1/events/meta")
	if err != nil {
		t.Fatalf("GET meta: %v", err)
	}
	meta.Body.Close()
	if meta.StatusCode != http.StatusOK {
		t.Fatalf("meta = %d, want 200", meta.StatusCode)
	}
}

func TestReadyProbeNilDB(t *testing.T) {
	if err := (ReadyProbe{}).Check(context.Background()); err != nil {
		t.Fatalf("nil DB probe: %v", err)
	}
}
