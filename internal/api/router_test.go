package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/cache"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/dispatch"
	"github.com/kalambet/conversa/internal/intent"
	"github.com/kalambet/conversa/internal/invoker"
	"github.com/kalambet/conversa/internal/mapper"
	"github.com/kalambet/conversa/internal/params"
	"github.com/kalambet/conversa/internal/registry"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
	"github.com/kalambet/conversa/internal/vault"
)

type testApp struct {
	handler     http.Handler
	reg         *registry.Registry
	store       *storage.Store
	cache       *cache.Cache
	upstream    *httptest.Server
	calls       atomic.Int32
	invalidated []string
	deps        Deps
}

func setupAppHandler(t *testing.T, token string) *testApp {
	t.Helper()
	app := &testApp{}
	app.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.calls.Add(1)
		fmt.Fprintf(w, `{"main":{"temp":18},"city":%q}`, r.URL.Query().Get("city"))
	}))
	t.Cleanup(app.upstream.Close)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	v, err := vault.New("api-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(store, v)
	catalog, err := registry.DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	// No credentials in the environment: keyed system entries stay inactive.
	if err := reg.SeedSystem(catalog, func(string) string { return "" }); err != nil {
		t.Fatalf("SeedSystem: %v", err)
	}

	sessions := session.NewManager(store)
	c := cache.New(cache.Options{})
	d := dispatch.New(dispatch.Deps{
		Registry:   reg,
		Classifier: intent.NewKeywordClassifier(intent.DefaultThreshold),
		Resolver:   params.New(),
		Invoker:    invoker.New(invoker.Options{CallTimeout: 2 * time.Second, InitialBackoff: time.Millisecond}),
		Mapper:     mapper.New(mapper.Options{}),
		Cache:      c,
		Secrets:    v,
		Sessions:   sessions,
		Usage:      store,
	}, dispatch.Options{})

	app.reg, app.store, app.cache = reg, store, c
	app.deps = Deps{
		Dispatcher:  d,
		Registry:    reg,
		Sessions:    sessions,
		Stats:       store,
		Cache:       c,
		Invalidate:  func(id string) { app.invalidated = append(app.invalidated, id) },
		Token:       token,
		Version:     "test",
		Environment: "test",
	}
	app.handler = NewHandler(app.deps)
	return app
}

func authReq(method, url string, body any, token string) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func weatherDraft(endpoint string) map[string]any {
	return map[string]any{
		"api_name":        "Weather",
		"description":     "Current temperature",
		"category":        "weather",
		"endpoint":        endpoint + "/w?city={city}",
		"method":          "GET",
		"intent_keywords": []string{"weather", "temperature"},
		"parameters": map[string]any{
			"required": []map[string]string{{"name": "city", "type": "string", "description": "City name"}},
			"optional": []any{},
		},
		"response_mapping":  map[string]string{"temp": "main.temp"},
		"response_template": "It is {temp}°C",
		"auth_config":       map[string]string{"type": "none"},
	}
}

func (a *testApp) registerWeather(t *testing.T, token string) descriptor.Descriptor {
	t.Helper()
	w := a.do(t, authReq("POST", "/api/apis/register", weatherDraft(a.upstream.URL), token))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d: %s", w.Code, w.Body.String())
	}
	return decode[descriptor.Descriptor](t, w)
}

func TestHealth(t *testing.T) {
	app := setupAppHandler(t, "")
	w := app.do(t, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["status"] != "healthy" || body["environment"] != "test" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
}

func TestInfo(t *testing.T) {
	app := setupAppHandler(t, "")
	w := app.do(t, httptest.NewRequest("GET", "/api/info", nil))
	body := decode[struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		Features []string `json:"features"`
	}](t, w)
	if body.Name != "conversa" || body.Version != "test" || len(body.Features) == 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestChat_WeatherScenario(t *testing.T) {
	app := setupAppHandler(t, "")
	desc := app.registerWeather(t, "")

	w := app.do(t, authReq("POST", "/api/chat/message", map[string]any{
		"message": "what's the weather in Tokyo?", "session_id": nil,
	}, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	reply := decode[dispatch.Reply](t, w)
	if reply.Response != "It is 18°C" || reply.Cached {
		t.Errorf("reply = %+v", reply)
	}
	if reply.APIUsed == nil || *reply.APIUsed != desc.ID {
		t.Errorf("api_used = %v, want %s", reply.APIUsed, desc.ID)
	}

	w = app.do(t, authReq("POST", "/api/chat/message", map[string]any{
		"message": "temperature in Tokyo?", "session_id": reply.SessionID,
	}, ""))
	again := decode[dispatch.Reply](t, w)
	if !again.Cached || again.SessionID != reply.SessionID {
		t.Errorf("second reply = %+v", again)
	}
	if n := app.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/chat/history/"+reply.SessionID+"?limit=3", nil))
	hist := decode[[]session.Message](t, w)
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	last := hist[len(hist)-1]
	if last.Role != "assistant" || last.Metadata == nil || !last.Metadata.Cached {
		t.Errorf("last message = %+v", last)
	}
}

func TestChat_NoMatch(t *testing.T) {
	app := setupAppHandler(t, "")
	w := app.do(t, authReq("POST", "/api/chat/message", map[string]any{"message": "zxqv plorb"}, ""))
	reply := decode[dispatch.Reply](t, w)
	if reply.Response != dispatch.NoMatchReply || reply.APIUsed != nil || reply.Intent != nil {
		t.Errorf("reply = %+v", reply)
	}
	// The wire format carries explicit nulls.
	if !strings.Contains(w.Body.String(), `"api_used":null`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestChat_Validation(t *testing.T) {
	app := setupAppHandler(t, "")
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message":"   "}`, http.StatusUnprocessableEntity},
		{"malformed json", `{"message":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, httptest.NewRequest("POST", "/api/chat/message", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if decode[map[string]string](t, w)["detail"] == "" {
				t.Error("missing detail")
			}
		})
	}
}

func TestSessions(t *testing.T) {
	app := setupAppHandler(t, "")
	w := app.do(t, httptest.NewRequest("POST", "/api/chat/session/new", nil))
	id := decode[map[string]string](t, w)["session_id"]
	if id == "" {
		t.Fatal("no session id")
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/chat/history/"+id, nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history: %d %s", w.Code, w.Body.String())
	}

	w = app.do(t, httptest.NewRequest("DELETE", "/api/chat/session/"+id, nil))
	if w.Code != http.StatusOK {
		t.Errorf("clear status = %d", w.Code)
	}
	w = app.do(t, httptest.NewRequest("GET", "/api/chat/history/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("history after clear = %d, want 404", w.Code)
	}
	w = app.do(t, httptest.NewRequest("DELETE", "/api/chat/session/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second clear = %d, want 404", w.Code)
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/chat/history/x?limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}
}

func TestAPIs_RegisterGetList_Redacted(t *testing.T) {
	app := setupAppHandler(t, "")
	draft := weatherDraft(app.upstream.URL)
	draft["auth_config"] = map[string]string{"type": "header", "header_name": "X-Key", "key": "plain-secret"}

	w := app.do(t, authReq("POST", "/api/apis/register", draft, ""))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "plain-secret") {
		t.Error("register response leaks the key")
	}
	id := decode[descriptor.Descriptor](t, w).ID

	w = app.do(t, httptest.NewRequest("GET", "/api/apis/"+id, nil))
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "plain-secret") {
		t.Errorf("get: %d %s", w.Code, w.Body.String())
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/apis/list", nil))
	all := decode[[]descriptor.Descriptor](t, w)
	if strings.Contains(w.Body.String(), "plain-secret") {
		t.Error("list leaks a key")
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/apis/list?include_system=false", nil))
	user := decode[[]descriptor.Descriptor](t, w)
	if len(user) != 1 || user[0].ID != id {
		t.Errorf("user-only list = %v", user)
	}
	if len(all) <= len(user) {
		t.Errorf("system entries missing: %d vs %d", len(all), len(user))
	}
}

func TestAPIs_RegisterValidation(t *testing.T) {
	app := setupAppHandler(t, "")
	draft := weatherDraft(app.upstream.URL)
	draft["category"] = "other"
	w := app.do(t, authReq("POST", "/api/apis/register", draft, ""))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
}

func TestAPIs_SystemReadOnly(t *testing.T) {
	app := setupAppHandler(t, "")

	w := app.do(t, authReq("DELETE", "/api/apis/weather-openweather", nil, ""))
	if w.Code != http.StatusForbidden {
		t.Fatalf("delete system = %d, want 403", w.Code)
	}
	w = app.do(t, authReq("PUT", "/api/apis/weather-openweather", weatherDraft(app.upstream.URL), ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("update system = %d, want 403", w.Code)
	}
	if _, err := app.reg.Get("weather-openweather"); err != nil {
		t.Errorf("system descriptor gone: %v", err)
	}
	if len(app.invalidated) != 0 {
		t.Errorf("invalidated = %v", app.invalidated)
	}
}

func TestAPIs_UpdateDelete(t *testing.T) {
	app := setupAppHandler(t, "")
	desc := app.registerWeather(t, "")

	draft := weatherDraft(app.upstream.URL)
	draft["response_template"] = "Now {temp} degrees"
	w := app.do(t, authReq("PUT", "/api/apis/"+desc.ID, draft, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[descriptor.Descriptor](t, w).ResponseTemplate; got != "Now {temp} degrees" {
		t.Errorf("template = %q", got)
	}

	w = app.do(t, authReq("DELETE", "/api/apis/"+desc.ID, nil, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if msg := decode[map[string]string](t, w)["message"]; msg != "API 'Weather' deleted successfully" {
		t.Errorf("message = %q", msg)
	}
	if len(app.invalidated) != 2 || app.invalidated[1] != desc.ID {
		t.Errorf("invalidated = %v", app.invalidated)
	}

	w = app.do(t, httptest.NewRequest("GET", "/api/apis/"+desc.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", w.Code)
	}
	w = app.do(t, authReq("DELETE", "/api/apis/"+desc.ID, nil, ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("delete twice = %d", w.Code)
	}
}

func TestAPIs_Test(t *testing.T) {
	app := setupAppHandler(t, "")
	desc := app.registerWeather(t, "")

	w := app.do(t, authReq("POST", "/api/apis/"+desc.ID+"/test", map[string]any{
		"test_params": map[string]any{"city": "Oslo"},
	}, ""))
	res := decode[dispatch.TestResult](t, w)
	if !res.Success || res.Rendered != "It is 18°C" || res.Data["city"] != "Oslo" {
		t.Errorf("result = %+v", res)
	}

	w = app.do(t, authReq("POST", "/api/apis/"+desc.ID+"/test", map[string]any{"test_params": map[string]any{}}, ""))
	res = decode[dispatch.TestResult](t, w)
	if res.Success || !strings.Contains(res.Error, "city") {
		t.Errorf("missing param result = %+v", res)
	}

	w = app.do(t, authReq("POST", "/api/apis/nope/test", nil, ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown api = %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	app := setupAppHandler(t, "secret-token")
	draft := weatherDraft(app.upstream.URL)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret-token", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, authReq("POST", "/api/apis/register", draft, tt.token))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Reads stay open.
	w := app.do(t, httptest.NewRequest("GET", "/api/apis/list", nil))
	if w.Code != http.StatusOK {
		t.Errorf("list = %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	app := setupAppHandler(t, "")
	app.registerWeather(t, "")
	for i := 0; i < 2; i++ {
		app.do(t, authReq("POST", "/api/chat/message", map[string]any{"message": "weather in Lima"}, ""))
	}

	w := app.do(t, httptest.NewRequest("GET", "/api/stats", nil))
	st := decode[struct {
		TotalMessages int                `json:"total_messages"`
		TotalAPICalls int                `json:"total_api_calls"`
		SuccessRate   float64            `json:"success_rate"`
		PopularAPIs   []storage.APICount `json:"popular_apis"`
		Cache         cache.Stats        `json:"cache"`
	}](t, w)
	if st.TotalMessages != 4 || st.TotalAPICalls != 2 || st.SuccessRate != 100 {
		t.Errorf("stats = %+v", st)
	}
	if len(st.PopularAPIs) != 1 || st.Cache.Entries != 1 || st.Cache.Hits != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCORSPreflight(t *testing.T) {
	app := setupAppHandler(t, "")
	req := httptest.NewRequest("OPTIONS", "/api/chat/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := app.do(t, req)
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Errorf("no CORS headers: %v", w.Header())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusUnprocessableEntity},
		{&apperr.MissingParameterError{Name: "city"}, http.StatusUnprocessableEntity},
		{apperr.NotFound("api", "x"), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", apperr.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: slow down", apperr.ErrRateLimited), http.StatusTooManyRequests},
		{&apperr.UpstreamError{APIID: "w", Timeout: true}, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&apperr.UpstreamError{APIID: "w", StatusCode: 500}, http.StatusBadGateway},
		{&apperr.MappingError{Missing: []string{"temp"}}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest("GET", "/x", nil), errors.New("sql: connection refused"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if detail := decode[map[string]string](t, w)["detail"]; detail != "internal server error" {
		t.Errorf("detail = %q", detail)
	}
}
