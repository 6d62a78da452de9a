package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"stashbin/cfg"
	"stashbin/svc/cache"
	"stashbin/svc/db"
	"stashbin/svc/ids"
	"stashbin/svc/lim"
	"stashbin/svc/svc"
	"stashbin/svc/util"
)

const testSalt = "0123456789abcdef0123456789abcdef"

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9]{6,11}$`)

type testEnv struct {
	server *httptest.Server
	codec  *ids.Codec
}

func newTestEnv(t *testing.T, mutate func(*cfg.Cfg)) *testEnv {
	t.Helper()
	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "development",
		BaseURL:        "http://stashbin.test",
		MaxPasteSize:   1024,
		CacheTTL:       time.Hour,
		WorkerPoolSize: 2,
		ContextTimeout: 5 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			CreateLimit: 1000,
			ReadLimit:   1000,
			Window:      time.Minute,
		},
	}
	if mutate != nil {
		mutate(c)
	}

	dsn := fmt.Sprintf("file:apidb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	lru, err := cache.NewLRU(64)
	if err != nil {
		t.Fatal(err)
	}
	codec, err := ids.NewCodec([]byte(testSalt))
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := util.NewIPHasher(bytes.Repeat([]byte{0x42}, 32), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	paste := svc.NewPaste(sqlDB, lru, nil, codec, c)
	limiter := lim.New(nil, c.RateLimit.Window)
	srv := NewServer(c, paste, limiter, hasher, sqlDB, nil)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		limiter.Stop()
		paste.Shutdown()
		sqlDB.Close()
	})
	return &testEnv{server: ts, codec: codec}
}

func (e *testEnv) createPaste(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/pastes", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
			Msg  string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	decodeJSON(t, resp, &envelope)
	return envelope.Error.Code
}

func TestCreatePaste(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.createPaste(t, `{"content":"fmt.Println(42)","language":"go","expires_in":"1h"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Errorf("Content-Type %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	var created CreateResp
	decodeJSON(t, resp, &created)
	if !slugPattern.MatchString(created.Slug) {
		t.Errorf("slug %q does not match shape", created.Slug)
	}
	if want := "http://stashbin.test/pastes/" + created.Slug; created.URL != want {
		t.Errorf("url = %q, want %q", created.URL, want)
	}
	if created.ExpiresAt == nil {
		t.Error("1h paste should report expires_at")
	}
}

func TestGetPaste(t *testing.T) {
	env := newTestEnv(t, nil)
	var created CreateResp
	decodeJSON(t, env.createPaste(t, `{"content":"hello world","expires_in":"1d"}`), &created)

	resp, err := http.Get(env.server.URL + "/pastes/" + created.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var paste PasteResp
	decodeJSON(t, resp, &paste)
	if paste.Content != "hello world" || paste.Language != "text" {
		t.Errorf("unexpected paste: %+v", paste)
	}
	if paste.Views != 0 {
		t.Errorf("first read should observe 0 views, got %d", paste.Views)
	}
}

func TestGetUnknownSlugIs404(t *testing.T) {
	env := newTestEnv(t, nil)
	slug, err := env.codec.Encode(987654)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(env.server.URL + "/pastes/" + slug)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "PASTE_NOT_FOUND" {
		t.Errorf("error code %q", code)
	}
}

func TestGetMalformedSlugIs400(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/pastes/abc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "INVALID_SLUG" {
		t.Errorf("error code %q", code)
	}
}

func TestCreateRejectsWrongMediaType(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Post(env.server.URL+"/pastes", "text/plain", strings.NewReader("raw"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d, want 415", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "UNSUPPORTED_MEDIA_TYPE" {
		t.Errorf("error code %q", code)
	}
}

func TestCreateAcceptsEscapeHeavyMaxContent(t *testing.T) {
	env := newTestEnv(t, nil)
	// Quotes escape to two bytes each; the body cap must leave room for the
	// worst-case JSON expansion of max-size content.
	body, err := json.Marshal(map[string]string{
		"content":    strings.Repeat(`"`, 1024),
		"expires_in": "1h",
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := env.createPaste(t, string(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	var created CreateResp
	decodeJSON(t, resp, &created)
	if !slugPattern.MatchString(created.Slug) {
		t.Errorf("slug %q does not match shape", created.Slug)
	}
}

func TestCreateRejectsOversizedContent(t *testing.T) {
	env := newTestEnv(t, nil)
	body, err := json.Marshal(map[string]string{
		"content":    strings.Repeat("a", 1025),
		"expires_in": "1h",
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := env.createPaste(t, string(body))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "PASTE_TOO_LARGE" {
		t.Errorf("error code %q", code)
	}
}

func TestCreateAnonymousNeverIs403(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.createPaste(t, `{"content":"x","expires_in":"never"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "POLICY_VIOLATION" {
		t.Errorf("error code %q", code)
	}
}

func TestCreateOwnedNeverSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.createPaste(t, `{"content":"x","expires_in":"never","owner_id":"u1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	var created CreateResp
	decodeJSON(t, resp, &created)
	if created.ExpiresAt != nil {
		t.Errorf("never-expiring paste reports expires_at %v", created.ExpiresAt)
	}
}

func TestCreateInvalidLanguageNamesAllowedSet(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.createPaste(t, `{"content":"x","language":"cobol","expires_in":"1h"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
			Msg  string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &envelope)
	if envelope.Error.Code != "INVALID_LANGUAGE" {
		t.Errorf("error code %q", envelope.Error.Code)
	}
	if !strings.Contains(envelope.Error.Msg, "python") {
		t.Errorf("message should name the allowed languages: %q", envelope.Error.Msg)
	}
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []string{"", "{", `{"content":"x","bogus_field":true}`} {
		resp := env.createPaste(t, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestCreateRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *cfg.Cfg) {
		c.RateLimit.CreateLimit = 1
	})

	resp := env.createPaste(t, `{"content":"x","expires_in":"1h"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d, want 201", resp.StatusCode)
	}

	resp = env.createPaste(t, `{"content":"x","expires_in":"1h"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second create: status %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", resp.Header.Get("X-RateLimit-Remaining"))
	}
	if code := errCode(t, resp); code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("error code %q", code)
	}
}

func TestGetLanguages(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/languages")
	if err != nil {
		t.Fatal(err)
	}
	var langs []string
	decodeJSON(t, resp, &langs)
	if len(langs) == 0 {
		t.Fatal("no languages returned")
	}
	for i := 1; i < len(langs); i++ {
		if langs[i-1] >= langs[i] {
			t.Fatalf("languages not sorted: %q before %q", langs[i-1], langs[i])
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status %d", resp.StatusCode)
	}
	resp, err = http.Get(env.server.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready status %d", resp.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/languages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
}

func TestSanitizeContent(t *testing.T) {
	got := sanitizeContent("a\x00b\x1fc\td\ne\rf")
	if got != "abc\td\ne\rf" {
		t.Errorf("sanitizeContent = %q", got)
	}
}
