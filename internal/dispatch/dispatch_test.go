package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/cache"
	"github.com/kalambet/conversa/internal/descriptor"
	"github.com/kalambet/conversa/internal/intent"
	"github.com/kalambet/conversa/internal/invoker"
	"github.com/kalambet/conversa/internal/mapper"
	"github.com/kalambet/conversa/internal/params"
	"github.com/kalambet/conversa/internal/registry"
	"github.com/kalambet/conversa/internal/session"
	"github.com/kalambet/conversa/internal/storage"
	"github.com/kalambet/conversa/internal/vault"
)

type fixture struct {
	d        *Dispatcher
	reg      *registry.Registry
	store    *storage.Store
	sessions *session.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	v, err := vault.New("dispatch-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(store, v)
	sessions := session.NewManager(store)
	d := New(Deps{
		Registry:   reg,
		Classifier: intent.NewKeywordClassifier(0.2),
		Resolver:   params.New(),
		Invoker:    invoker.New(invoker.Options{CallTimeout: 2 * time.Second, InitialBackoff: time.Millisecond}),
		Mapper:     mapper.New(mapper.Options{}),
		Cache:      cache.New(cache.Options{}),
		Secrets:    v,
		Sessions:   sessions,
		Usage:      store,
	}, opts)
	return &fixture{d: d, reg: reg, store: store, sessions: sessions}
}

func weatherDraft(endpoint string) descriptor.Draft {
	return descriptor.Draft{
		Name:           "Weather",
		Category:       "weather",
		Endpoint:       endpoint + "/w?city={city}",
		Method:         "GET",
		IntentKeywords: []string{"weather", "temperature"},
		Parameters: descriptor.Parameters{
			Required: []descriptor.ParamSpec{{Name: "city", Type: "string"}},
		},
		ResponseMapping:  map[string]string{"temp": "main.temp"},
		ResponseTemplate: "It is {temp}°C",
		Auth:             descriptor.NoAuth(),
	}
}

func (f *fixture) registerWeather(t *testing.T, endpoint string, mutate ...func(*descriptor.Draft)) descriptor.Descriptor {
	t.Helper()
	draft := weatherDraft(endpoint)
	for _, m := range mutate {
		m(&draft)
	}
	d, err := f.reg.Register(draft)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d
}

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	city  []string
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.mu.Lock()
		u.city = append(u.city, r.URL.Query().Get("city"))
		u.mu.Unlock()
		if handler != nil {
			handler(w, r)
			return
		}
		w.Write([]byte(`{"main":{"temp":18}}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func TestDispatch_WeatherScenario(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	desc := f.registerWeather(t, up.srv.URL)

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "what's the weather in Tokyo?"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply.Response != "It is 18°C" {
		t.Errorf("Response = %q", reply.Response)
	}
	if reply.APIUsed == nil || *reply.APIUsed != desc.ID {
		t.Errorf("APIUsed = %v, want %s", reply.APIUsed, desc.ID)
	}
	if reply.Intent == nil || reply.Intent.Intent != "weather" || reply.Intent.Confidence <= 0.2 {
		t.Errorf("Intent = %+v", reply.Intent)
	}
	if reply.Cached || reply.SessionID == "" {
		t.Errorf("Cached = %v, SessionID = %q", reply.Cached, reply.SessionID)
	}
	if up.city[0] != "Tokyo" {
		t.Errorf("upstream city = %q", up.city[0])
	}

	hist, err := f.sessions.History(reply.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[1].Content != "It is 18°C" || hist[1].Metadata.Params["city"] != "Tokyo" {
		t.Errorf("history = %+v", hist)
	}
}

func TestDispatch_NoMatchMakesNoCall(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "sing me a song"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != NoMatchReply || reply.APIUsed != nil || reply.Intent.Intent != intent.None || reply.Intent.Confidence != 0 {
		t.Errorf("reply = %+v", reply)
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream called %d times", up.calls.Load())
	}
}

func TestDispatch_MissingParameterMakesNoCall(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "what's the weather like?"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Response, "city") {
		t.Errorf("clarification does not name the parameter: %q", reply.Response)
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream called %d times", up.calls.Load())
	}

	// The follow-up supplies the city.
	reply, err = f.d.Dispatch(context.Background(), Request{SessionID: reply.SessionID, Message: "weather in Lima"})
	if err != nil || reply.Response != "It is 18°C" {
		t.Errorf("follow-up = %+v, %v", reply, err)
	}
}

func TestDispatch_SessionContextFillsParameter(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)

	first, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Dispatch(context.Background(), Request{SessionID: first.SessionID, Message: "and the temperature?"}); err != nil {
		t.Fatal(err)
	}
	if up.calls.Load() != 1 {
		t.Errorf("follow-up with same city should hit the cache, upstream calls = %d", up.calls.Load())
	}
}

func TestDispatch_SecondCallCached(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)

	for i, wantCached := range []bool{false, true} {
		reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Tokyo"})
		if err != nil {
			t.Fatal(err)
		}
		if reply.Cached != wantCached || reply.Response != "It is 18°C" {
			t.Errorf("call %d: cached = %v, response %q", i, reply.Cached, reply.Response)
		}
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}

	stats, err := f.store.UsageStats(5)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalAPICalls != 2 || stats.SuccessRate != 100 {
		t.Errorf("usage stats = %+v", stats)
	}
}

func TestDispatch_UpdateDuringInFlightCall(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var first atomic.Bool
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(false, true) {
			entered <- struct{}{}
			<-release
		}
		w.Write([]byte(`{"main":{"temp":18}}`))
	})
	f := newFixture(t, Options{})
	desc := f.registerWeather(t, up.srv.URL)

	done := make(chan Reply, 1)
	go func() {
		reply, _ := f.d.Dispatch(context.Background(), Request{Message: "weather in Tokyo"})
		done <- reply
	}()
	<-entered

	draft := weatherDraft(up.srv.URL)
	draft.ResponseTemplate = "Now {temp} degrees"
	if _, err := f.reg.Update(desc.ID, draft); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.d.Cache.Purge(desc.ID)
	close(release)
	if reply := <-done; reply.Response != "It is 18°C" {
		t.Errorf("in-flight reply = %q", reply.Response)
	}

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Tokyo"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Cached || reply.Response != "Now 18 degrees" {
		t.Errorf("after update: cached = %v, response %q", reply.Cached, reply.Response)
	}
	if up.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls.Load())
	}
}

func TestDispatch_ConcurrentDuplicatesSingleFlight(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"main":{"temp":18}}`))
	})
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)

	const n = 8
	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Tokyo"})
			if err != nil || reply.Response != "It is 18°C" {
				t.Errorf("Dispatch = %+v, %v", reply, err)
				return
			}
			if !reply.Cached {
				fresh.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}
	if fresh.Load() != 1 {
		t.Errorf("%d replies uncached, want 1", fresh.Load())
	}
}

func TestDispatch_RateLimitedVersusCached(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL, func(d *descriptor.Draft) { d.RateLimit.RequestsPerMinute = 1 })

	if _, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"}); err != nil {
		t.Fatal(err)
	}

	// Same params: served from the cache, no budget needed.
	again, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil || !again.Cached || again.Response != "It is 18°C" {
		t.Errorf("cached path = %+v, %v", again, err)
	}

	// Different params: a second upstream call within the minute.
	limited, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Paris"})
	if err != nil {
		t.Fatal(err)
	}
	if limited.Cached || !strings.Contains(limited.Response, "too many requests") {
		t.Errorf("limited path = %+v", limited)
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}

	hist, _ := f.sessions.History(limited.SessionID, 2)
	if md := hist[len(hist)-1].Metadata; md == nil || md.Error != "rate_limited" {
		t.Errorf("metadata = %+v", md)
	}
}

func TestDispatch_UpstreamFailureReply(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL, func(d *descriptor.Draft) {
		d.ErrorMessages = map[string]string{"404": "City not found."}
	})

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Atlantis"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Response, "City not found.") || reply.Cached {
		t.Errorf("reply = %+v", reply)
	}
	stats, _ := f.store.UsageStats(5)
	if stats.TotalAPICalls != 1 || stats.SuccessRate != 0 {
		t.Errorf("usage = %+v", stats)
	}
}

func TestDispatch_OverallTimeout(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.Write([]byte(`{"main":{"temp":1}}`))
	})
	f := newFixture(t, Options{Timeout: 50 * time.Millisecond})
	f.registerWeather(t, up.srv.URL)

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != TimeoutReply {
		t.Errorf("Response = %q", reply.Response)
	}
}

func TestDispatch_CallerCancelled(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"main":{"temp":18}}`))
	})
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL)
	sid, err := f.sessions.Create()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.d.Dispatch(ctx, Request{SessionID: sid, Message: "weather in Oslo"})
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch = %v, want context.Canceled", err)
	}
	close(release)

	hist, _ := f.sessions.History(sid, 10)
	for _, m := range hist {
		if m.Role == storage.RoleAssistant {
			t.Errorf("reply persisted for cancelled caller: %q", m.Content)
		}
	}

	// The abandoned call still completes and fills the cache.
	deadline := time.Now().Add(2 * time.Second)
	for f.d.Cache.Stats().Entries == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reply, err := f.d.Dispatch(context.Background(), Request{SessionID: sid, Message: "weather in Oslo"})
	if err != nil || !reply.Cached {
		t.Errorf("after cancel: %+v, %v", reply, err)
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}
}

type panicClassifier struct{}

func (panicClassifier) Classify(string, []descriptor.Descriptor) intent.Result {
	panic("classifier exploded")
}

func TestDispatch_PanicBecomesReply(t *testing.T) {
	f := newFixture(t, Options{})
	f.d.Classifier = panicClassifier{}

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil {
		t.Fatalf("Dispatch = %v", err)
	}
	if reply.Response != FailureReply {
		t.Errorf("Response = %q", reply.Response)
	}
	hist, err := f.sessions.History(reply.SessionID, 10)
	if err != nil || len(hist) != 2 {
		t.Errorf("session lost after panic: %d messages, %v", len(hist), err)
	}
}

func TestDispatch_AuthenticatedAPI(t *testing.T) {
	var gotKey atomic.Value
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"main":{"temp":5}}`))
	})
	f := newFixture(t, Options{})
	f.registerWeather(t, up.srv.URL, func(d *descriptor.Draft) { d.Auth = descriptor.HeaderAuth("X-Api-Key", "plain-key") })

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil || reply.Response != "It is 5°C" {
		t.Fatalf("Dispatch = %+v, %v", reply, err)
	}
	if gotKey.Load() != "plain-key" {
		t.Errorf("upstream saw key %v", gotKey.Load())
	}
}

type usageRecorder struct {
	mu   sync.Mutex
	errs []string
}

func (u *usageRecorder) LogUsage(rec storage.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs = append(u.errs, rec.Error)
	return nil
}

func TestDispatch_UnreachableQueryAuthKeepsKeyPrivate(t *testing.T) {
	const key = "TOPSECRETKEY"
	var logs bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	f := newFixture(t, Options{})
	usage := &usageRecorder{}
	f.d.Usage = usage
	desc := f.registerWeather(t, closed.URL, func(d *descriptor.Draft) { d.Auth = descriptor.QueryAuth("appid", key) })

	res, err := f.d.Test(context.Background(), desc.ID, map[string]string{"city": "Oslo"})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if res.Success || res.Error == "" || strings.Contains(res.Error, key) {
		t.Errorf("Test = %+v", res)
	}

	reply, err := f.d.Dispatch(context.Background(), Request{Message: "weather in Oslo"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if strings.Contains(reply.Response, key) {
		t.Errorf("Response = %q", reply.Response)
	}
	if len(usage.errs) != 1 || usage.errs[0] == "" || strings.Contains(usage.errs[0], key) {
		t.Errorf("usage errors = %q", usage.errs)
	}
	if strings.Contains(logs.String(), key) {
		t.Errorf("logs carry the key:\n%s", logs.String())
	}
}

func TestDispatch_EmptyMessage(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.d.Dispatch(context.Background(), Request{Message: " <b></b> "}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Dispatch(empty) = %v", err)
	}
}

func TestSanitize(t *testing.T) {
	got, err := Sanitize("  <script>x</script>weather \n\t in   <b>Oslo</b> ")
	if err != nil || got != "xweather in Oslo" {
		t.Errorf("Sanitize = %q, %v", got, err)
	}
	long, _ := Sanitize(strings.Repeat("é", 1500))
	if n := len([]rune(long)); n != maxMessageRunes {
		t.Errorf("truncated to %d runes", n)
	}
}

func TestTest_DryRun(t *testing.T) {
	up := newUpstream(t, nil)
	f := newFixture(t, Options{})
	desc := f.registerWeather(t, up.srv.URL)

	res, err := f.d.Test(context.Background(), desc.ID, map[string]string{"city": "Rome"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Rendered != "It is 18°C" || res.Data["main"] == nil {
		t.Errorf("Test = %+v", res)
	}

	res, err = f.d.Test(context.Background(), desc.ID, map[string]string{})
	if err != nil || res.Success || !strings.Contains(res.Error, "city") {
		t.Errorf("Test(missing) = %+v, %v", res, err)
	}
	if up.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls.Load())
	}
	if _, err := f.d.Test(context.Background(), "nope", nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Test(unknown) = %v", err)
	}
	// Dry runs never populate the cache.
	if f.d.Cache.Stats().Entries != 0 {
		t.Error("dry run cached its result")
	}
}

func TestTTLsFor(t *testing.T) {
	ttls := TTLs{Default: time.Minute, ByCategory: map[string]time.Duration{"weather": 10 * time.Minute}}
	if ttls.For("Weather") != 10*time.Minute || ttls.For("news") != time.Minute {
		t.Error("category ttl lookup")
	}
	if (TTLs{}).For("x") != defaultTTL {
		t.Error("zero TTLs default")
	}
}
