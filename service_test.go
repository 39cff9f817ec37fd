package pinwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pinwatch/dbopen"
	"github.com/hazyhaar/pinwatch/fetch"
	"github.com/hazyhaar/pinwatch/trigger"
	"github.com/hazyhaar/pinwatch/watchlist"
)

const shopURL = "https://shop.example.com/item"

const shopPage = `<html><body>
<h1>Spring sale</h1>
<div><span id="price">%s</span></div>
<p class="stock">In stock</p>
</body></html>`

// pageFetcher serves fixed HTML per URL.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
}

func (f *pageFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
}

func (f *pageFetcher) Open(_ context.Context, url string, _ time.Duration) (fetch.Document, error) {
	f.mu.Lock()
	body, ok := f.pages[url]
	f.mu.Unlock()
	if !ok {
		return nil, &fetch.Error{URL: url, StatusCode: 404}
	}
	doc, err := fetch.ParseDocument(url, []byte(body))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func shop(price string) string { return strings.Replace(shopPage, "%s", price, 1) }

type testEnv struct {
	svc     *Service
	trig    *trigger.Manual
	fetcher *pageFetcher
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	t.Setenv("PINWATCH_SENDGRID_KEY", "")
	db := dbopen.OpenMemory(t)
	env := &testEnv{
		trig:    trigger.NewManual(),
		fetcher: &pageFetcher{pages: map[string]string{shopURL: shop("10 EUR")}},
	}
	svc, err := New(db, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTrigger(env.trig),
		WithFetcher(env.fetcher),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	env.svc = svc
	env.srv = httptest.NewServer(svc.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_CaptureFlow(t *testing.T) {
	e := newTestEnv(t, nil)

	var begun captureView
	if code := e.do(t, "POST", "/api/capture", map[string]string{"url": shopURL, "title": "Shop"}, &begun); code != 201 {
		t.Fatalf("begin: status %d", code)
	}
	if begun.Session == "" || begun.Session[:3] != "cs_" {
		t.Fatalf("session = %q", begun.Session)
	}
	base := "/api/capture/" + begun.Session

	var sel captureView
	if code := e.do(t, "POST", base+"/select", map[string]string{"query": "//h1"}, &sel); code != 200 {
		t.Fatalf("select: status %d", code)
	}
	if sel.Added != 1 || sel.Fragments[0].LastKnownText != "Spring sale" {
		t.Fatalf("select = %+v", sel)
	}

	var frag captureView
	e.do(t, "POST", base+"/fragments", map[string]string{
		"locator": "id('price')",
		"markup":  `<span id="price" class="pinwatch-highlight"><b>10</b>&nbsp;EUR</span>`,
	}, &frag)
	if frag.Added != 1 || len(frag.Fragments) != 2 {
		t.Fatalf("fragments = %+v", frag)
	}
	if got := frag.Fragments[1].LastKnownText; !strings.Contains(got, "10") || !strings.Contains(got, "EUR") {
		t.Fatalf("markup text = %q", got)
	}

	// Same locator again: no duplicate.
	e.do(t, "POST", base+"/fragments", map[string]string{"locator": "id('price')", "text": "10 EUR"}, &frag)
	if frag.Added != 0 || len(frag.Fragments) != 2 {
		t.Fatalf("duplicate added: %+v", frag)
	}

	var errBody map[string]string
	if code := e.do(t, "POST", base+"/finalize", map[string]int{"period_minutes": 0}, &errBody); code != 400 {
		t.Fatalf("finalize period 0: status %d", code)
	}

	var task TaskView
	if code := e.do(t, "POST", base+"/finalize", map[string]int{"period_minutes": 15}, &task); code != 201 {
		t.Fatalf("finalize: status %d", code)
	}
	if task.Title != "Shop" || len(task.Fragments) != 2 || task.PeriodMinutes != 15 {
		t.Fatalf("task = %+v", task)
	}
	if p, ok := e.trig.Period(task.ID); !ok || p != 15 {
		t.Fatalf("trigger = %d, %v", p, ok)
	}

	if code := e.do(t, "POST", base+"/finalize", map[string]int{"period_minutes": 15}, nil); code != 404 {
		t.Fatalf("finalize twice: status %d", code)
	}
}

func TestAPI_CancelCapture(t *testing.T) {
	e := newTestEnv(t, nil)
	var begun captureView
	e.do(t, "POST", "/api/capture", map[string]string{"url": shopURL}, &begun)

	if code := e.do(t, "DELETE", "/api/capture/"+begun.Session, nil, nil); code != 200 {
		t.Fatalf("cancel: status %d", code)
	}
	if code := e.do(t, "DELETE", "/api/capture/"+begun.Session, nil, nil); code != 404 {
		t.Fatalf("cancel twice: status %d", code)
	}
	if e.svc.Captures().Len() != 0 {
		t.Fatal("session still registered")
	}
}

func TestAPI_CheckDetectsChange(t *testing.T) {
	e := newTestEnv(t, nil)
	var task TaskView
	code := e.do(t, "POST", "/api/tasks", map[string]any{
		"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 10,
	}, &task)
	if code != 201 {
		t.Fatalf("add: status %d", code)
	}
	if task.Title != shopURL || task.Fragments[0].LastKnownText != "10 EUR" {
		t.Fatalf("task = %+v", task)
	}

	e.fetcher.set(shopURL, shop("12 EUR"))
	var check struct {
		Report struct {
			Outcome string                 `json:"outcome"`
			Records []watchlist.DiffRecord `json:"records"`
		} `json:"report"`
	}
	if code := e.do(t, "POST", "/api/tasks/"+task.ID+"/check", nil, &check); code != 200 {
		t.Fatalf("check: status %d", code)
	}
	if check.Report.Outcome != "changed" || len(check.Report.Records) != 1 || check.Report.Records[0].Current != "12 EUR" {
		t.Fatalf("check = %+v", check)
	}

	var got TaskView
	e.do(t, "GET", "/api/tasks/"+task.ID, nil, &got)
	if len(got.History) != 1 || got.LastChange == 0 || got.Fragments[0].LastKnownText != "12 EUR" {
		t.Fatalf("after check = %+v", got)
	}

	var list []TaskView
	e.do(t, "GET", "/api/tasks", nil, &list)
	if len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestAPI_CheckFetchFailureIsReported(t *testing.T) {
	e := newTestEnv(t, nil)
	var task TaskView
	e.do(t, "POST", "/api/tasks", map[string]any{
		"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 10,
	}, &task)

	e.fetcher.mu.Lock()
	delete(e.fetcher.pages, shopURL)
	e.fetcher.mu.Unlock()

	var check struct {
		Report struct {
			Outcome string `json:"outcome"`
		} `json:"report"`
		Error string `json:"error"`
	}
	if code := e.do(t, "POST", "/api/tasks/"+task.ID+"/check", nil, &check); code != 200 {
		t.Fatalf("check: status %d", code)
	}
	if check.Report.Outcome != "fetch_failed" || check.Error == "" {
		t.Fatalf("check = %+v", check)
	}
}

func TestAPI_AddTaskErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no url", map[string]any{"locators": []string{"id('price')"}, "period_minutes": 10}, 400},
		{"no selection", map[string]any{"url": shopURL, "period_minutes": 10}, 400},
		{"bad period", map[string]any{"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 2000}, 400},
		{"unknown locator", map[string]any{"url": shopURL, "locators": []string{"id('nope')"}, "period_minutes": 10}, 400},
		{"unreachable page", map[string]any{"url": "https://gone.example.com", "locators": []string{"id('price')"}, "period_minutes": 10}, 502},
		{"not http", map[string]any{"url": "file:///etc/passwd", "locators": []string{"id('price')"}, "period_minutes": 10}, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := e.do(t, "POST", "/api/tasks", tc.body, nil); code != tc.want {
				t.Fatalf("status = %d, want %d", code, tc.want)
			}
		})
	}
	if e.trig.Len() != 0 {
		t.Fatal("failed adds registered triggers")
	}
}

func TestAPI_Settings(t *testing.T) {
	e := newTestEnv(t, nil)

	var set watchlist.Settings
	e.do(t, "GET", "/api/settings", nil, &set)
	if set.PauseHours != watchlist.DefaultPauseHours {
		t.Fatalf("default settings = %+v", set)
	}

	bad := []watchlist.Settings{
		{Email: "ada@example.com", PauseHours: 4},
		{Name: "Ada", Email: "not-an-address", PauseHours: 4},
		{Name: "Ada", PauseHours: 25},
	}
	for _, b := range bad {
		if code := e.do(t, "PUT", "/api/settings", b, nil); code != 400 {
			t.Fatalf("PUT %+v: status %d", b, code)
		}
	}

	want := watchlist.Settings{Name: "Ada", Email: "ada@example.com", EmailSubject: "Shop watch", PauseHours: 2}
	if code := e.do(t, "PUT", "/api/settings", want, nil); code != 200 {
		t.Fatalf("PUT: status %d", code)
	}
	e.do(t, "GET", "/api/settings", nil, &set)
	if set != want {
		t.Fatalf("settings = %+v", set)
	}
}

func TestAPI_RemoveTaskAndAll(t *testing.T) {
	e := newTestEnv(t, nil)
	if code := e.do(t, "DELETE", "/api/tasks/wt_nope", nil, nil); code != 404 {
		t.Fatalf("delete unknown: status %d", code)
	}

	var a, b TaskView
	body := map[string]any{"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 10}
	e.do(t, "POST", "/api/tasks", body, &a)
	e.do(t, "POST", "/api/tasks", body, &b)

	if code := e.do(t, "DELETE", "/api/tasks/"+a.ID, nil, nil); code != 200 {
		t.Fatalf("delete: status %d", code)
	}
	if _, ok := e.trig.Period(a.ID); ok {
		t.Fatal("trigger of removed task still registered")
	}

	var res map[string]int
	e.do(t, "DELETE", "/api/tasks", nil, &res)
	if res["removed"] != 1 || e.trig.Len() != 0 {
		t.Fatalf("remove all = %v, triggers %d", res, e.trig.Len())
	}
}

func TestAPI_Events(t *testing.T) {
	e := newTestEnv(t, nil)
	var task TaskView
	e.do(t, "POST", "/api/tasks", map[string]any{
		"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 10,
	}, &task)

	var evs []struct {
		Type   string `json:"type"`
		TaskID string `json:"task_id"`
	}
	e.do(t, "GET", "/api/events?task_id="+task.ID, nil, &evs)
	if len(evs) != 1 || evs[0].Type != "task_created" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestAPI_Metrics(t *testing.T) {
	e := newTestEnv(t, nil)
	var task TaskView
	e.do(t, "POST", "/api/tasks", map[string]any{
		"url": shopURL, "locators": []string{"id('price')"}, "period_minutes": 10,
	}, &task)
	e.trig.Fire(task.ID)

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`pinwatch_runs_total{outcome="unchanged"} 1`, "pinwatch_tasks 1", "pinwatch_fetch_seconds_count 1"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestAPI_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEnv(t, &Config{HTTP: HTTPConfig{AuthUser: "ada", AuthPasswordHash: string(hash)}})

	if code := e.do(t, "GET", "/healthz", nil, nil); code != 200 {
		t.Fatalf("healthz: status %d", code)
	}
	if code := e.do(t, "GET", "/api/tasks", nil, nil); code != 401 {
		t.Fatalf("no credentials: status %d", code)
	}

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{"ada", "wrong", 401},
		{"bob", "s3cret", 401},
		{"ada", "s3cret", 200},
	} {
		req, _ := http.NewRequest("GET", e.srv.URL+"/api/tasks", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s/%s: status %d, want %d", tc.user, tc.pass, resp.StatusCode, tc.want)
		}
	}
}

func TestAPI_RequestID(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if id := resp.Header.Get("X-Request-ID"); !strings.HasPrefix(id, "req_") {
		t.Fatalf("X-Request-ID = %q", id)
	}
}

func TestService_StartRestoresTriggers(t *testing.T) {
	t.Setenv("PINWATCH_SENDGRID_KEY", "")
	db := dbopen.OpenMemory(t)
	quiet := WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	fetcher := &pageFetcher{pages: map[string]string{shopURL: shop("10 EUR")}}

	first, err := New(db, nil, quiet, WithTrigger(trigger.NewManual()), WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := first.addTask(ctx, &addTaskRequest{URL: shopURL, Locators: []string{"id('price')"}, PeriodMinutes: 45}); err != nil {
		t.Fatalf("add: %v", err)
	}
	first.Close()

	// A new process on the same database.
	trig := trigger.NewManual()
	second, err := New(db, nil, quiet, WithTrigger(trig), WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := second.Start(sctx); err != nil {
		t.Fatal(err)
	}

	tasks, _ := second.Store().List(ctx)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if p, ok := trig.Period(tasks[0].ID); !ok || p != 45 {
		t.Fatalf("restored trigger = %d, %v", p, ok)
	}
}

func TestAPI_BlockPrivate(t *testing.T) {
	cfg := &Config{Fetch: FetchConfig{BlockPrivate: true}}
	e := newTestEnv(t, cfg)
	for _, u := range []string{"http://127.0.0.1:8080/admin", "http://169.254.169.254/latest"} {
		if code := e.do(t, "POST", "/api/capture", map[string]string{"url": u}, nil); code != 400 {
			t.Fatalf("%s: status = %d", u, code)
		}
	}
	body := map[string]any{"url": "http://10.0.0.1/", "locators": []string{"id('price')"}, "period_minutes": 10}
	if code := e.do(t, "POST", "/api/tasks", body, nil); code != 400 {
		t.Fatalf("add private = %d", code)
	}
}

func TestAPI_SecurityHeaders(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("headers = %v", resp.Header)
	}
}

func TestAPI_BodyTooLarge(t *testing.T) {
	e := newTestEnv(t, &Config{HTTP: HTTPConfig{MaxBodyBytes: 64}})
	body := map[string]string{"url": shopURL, "title": strings.Repeat("x", 200)}
	if code := e.do(t, "POST", "/api/capture", body, nil); code != 413 {
		t.Fatalf("status = %d", code)
	}
}

func TestAPI_RateLimit(t *testing.T) {
	e := newTestEnv(t, &Config{HTTP: HTTPConfig{RateLimit: 3}})
	for i := 0; i < 3; i++ {
		if code := e.do(t, "GET", "/api/tasks", nil, nil); code != 200 {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := e.do(t, "GET", "/api/tasks", nil, nil); code != 429 {
		t.Fatalf("over limit = %d", code)
	}
	if code := e.do(t, "GET", "/healthz", nil, nil); code != 200 {
		t.Fatalf("healthz = %d", code)
	}
}

func TestService_SyncPicksUpExternalWrites(t *testing.T) {
	t.Setenv("PINWATCH_SENDGRID_KEY", "")
	db := dbopen.OpenMemory(t)
	quiet := WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	fetcher := &pageFetcher{pages: map[string]string{shopURL: shop("10 EUR")}}

	trig := trigger.NewManual()
	daemon, err := New(db, &Config{Scheduler: SchedulerConfig{SyncInterval: 5 * time.Millisecond}},
		quiet, WithTrigger(trig), WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	defer daemon.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := daemon.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Another process adds a task, then removes it.
	other, err := New(db, nil, quiet, WithTrigger(trigger.NewManual()), WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	v, err := other.addTask(ctx, &addTaskRequest{URL: shopURL, Locators: []string{"id('price')"}, PeriodMinutes: 20})
	if err != nil {
		t.Fatal(err)
	}
	id := v.(TaskView).ID

	waitUntil(t, "trigger added", func() bool { _, ok := trig.Period(id); return ok })
	if err := other.Scheduler().RemoveTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "trigger dropped", func() bool { return trig.Len() == 0 })
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stallingFetcher serves pages until stall is set, then blocks every fetch
// until its context ends.
type stallingFetcher struct {
	*pageFetcher
	stall   atomic.Bool
	started chan struct{}
}

func (f *stallingFetcher) Open(ctx context.Context, url string, timeout time.Duration) (fetch.Document, error) {
	if !f.stall.Load() {
		return f.pageFetcher.Open(ctx, url, timeout)
	}
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_CloseInterruptsRunningFetch(t *testing.T) {
	t.Setenv("PINWATCH_SENDGRID_KEY", "")
	db := dbopen.OpenMemory(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := &stallingFetcher{
		pageFetcher: &pageFetcher{pages: map[string]string{shopURL: shop("10 EUR")}},
		started:     make(chan struct{}, 1),
	}
	// One period unit of a millisecond: cron rounds the interval up to 1s.
	cron := trigger.NewCronService(logger, trigger.WithUnit(time.Millisecond))
	svc, err := New(db, &Config{Scheduler: SchedulerConfig{SyncInterval: -1}},
		WithLogger(logger), WithTrigger(cron), WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := svc.addTask(ctx, &addTaskRequest{URL: shopURL, Locators: []string{"id('price')"}, PeriodMinutes: 1}); err != nil {
		t.Fatal(err)
	}
	fetcher.stall.Store(true)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := svc.Start(sctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never fired")
	}

	start := time.Now()
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Close took %s with a fetch in flight", d)
	}
}
