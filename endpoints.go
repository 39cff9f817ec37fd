package pinwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/pinwatch/capture"
	"github.com/hazyhaar/pinwatch/fetch"
	"github.com/hazyhaar/pinwatch/kit"
	"github.com/hazyhaar/pinwatch/locator"
	"github.com/hazyhaar/pinwatch/observability"
	"github.com/hazyhaar/pinwatch/scheduler"
	"github.com/hazyhaar/pinwatch/watchlist"
)

// ErrBadRequest marks request errors caused by the caller.
var ErrBadRequest = errors.New("pinwatch: bad request")

// TaskView is a watch task as shown to clients.
type TaskView struct {
	watchlist.WatchTask
	// LastChange is the unix millis of the latest recorded change, 0 if none.
	LastChange int64 `json:"last_change"`
	Running    bool  `json:"running"`
}

func (s *Service) view(t watchlist.WatchTask) TaskView {
	v := TaskView{WatchTask: t, Running: s.sched.Running(t.ID)}
	if lc := t.LastChange(); !lc.IsZero() {
		v.LastChange = lc.UnixMilli()
	}
	if v.Fragments == nil {
		v.Fragments = []watchlist.Fragment{}
	}
	if v.History == nil {
		v.History = []watchlist.DiffRecord{}
	}
	return v
}

type taskIDRequest struct {
	ID string `json:"id"`
}

type addTaskRequest struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Locators      []string `json:"locators,omitempty"`
	Query         string   `json:"query,omitempty"`
	PeriodMinutes int      `json:"period_minutes"`
}

type eventsRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type beginCaptureRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type addFragmentRequest struct {
	Session string `json:"-"`
	Locator string `json:"locator"`
	Text    string `json:"text,omitempty"`
	// Markup is the element's outer HTML, used when Text is empty.
	Markup string `json:"markup,omitempty"`
}

type selectRequest struct {
	Session string `json:"-"`
	Query   string `json:"query"`
}

type finalizeRequest struct {
	Session       string `json:"-"`
	Title         string `json:"title,omitempty"`
	PeriodMinutes int    `json:"period_minutes"`
}

type captureView struct {
	Session   string               `json:"session"`
	Fragments []watchlist.Fragment `json:"fragments"`
	Added     int                  `json:"added"`
}

// endpoints are the operations shared by the HTTP API and the MCP tools.
type endpoints struct {
	listTasks      kit.Endpoint
	getTask        kit.Endpoint
	addTask        kit.Endpoint
	removeTask     kit.Endpoint
	removeAll      kit.Endpoint
	checkTask      kit.Endpoint
	getSettings    kit.Endpoint
	updateSettings kit.Endpoint
	events         kit.Endpoint
	beginCapture   kit.Endpoint
	addFragment    kit.Endpoint
	selectNodes    kit.Endpoint
	finalize       kit.Endpoint
	cancelCapture  kit.Endpoint
}

func (s *Service) endpoints() endpoints {
	wrap := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.logger, op))(ep)
	}
	return endpoints{
		listTasks:      wrap("list_tasks", s.listTasks),
		getTask:        wrap("get_task", s.getTask),
		addTask:        wrap("add_task", s.addTask),
		removeTask:     wrap("remove_task", s.removeTask),
		removeAll:      wrap("remove_all", s.removeAll),
		checkTask:      wrap("check_task", s.checkTask),
		getSettings:    wrap("get_settings", s.getSettings),
		updateSettings: wrap("update_settings", s.updateSettings),
		events:         wrap("events", s.recentEvents),
		beginCapture:   wrap("begin_capture", s.beginCapture),
		addFragment:    wrap("add_fragment", s.addFragment),
		selectNodes:    wrap("select", s.selectNodes),
		finalize:       wrap("finalize_capture", s.finalizeCapture),
		cancelCapture:  wrap("cancel_capture", s.cancelCapture),
	}
}

func (s *Service) listTasks(ctx context.Context, _ any) (any, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.view(t))
	}
	return out, nil
}

func (s *Service) getTask(ctx context.Context, req any) (any, error) {
	r := req.(*taskIDRequest)
	t, err := s.store.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return s.view(t), nil
}

// addTask creates a task without an interactive capture: the page is
// loaded once to read the current text of each locator, or to pick the
// elements matching query.
func (s *Service) addTask(ctx context.Context, req any) (any, error) {
	r := req.(*addTaskRequest)
	if err := s.checkURL(ctx, r.URL); err != nil {
		return nil, err
	}
	if len(r.Locators) == 0 && r.Query == "" {
		return nil, fmt.Errorf("%w: locators or query is required", ErrBadRequest)
	}
	if err := s.sched.ValidatePeriod(r.PeriodMinutes); err != nil {
		return nil, err
	}

	root, err := s.loadTree(ctx, r.URL)
	if err != nil {
		return nil, err
	}
	sess := capture.Begin(r.URL, r.Title)
	for _, loc := range r.Locators {
		n, err := locator.Resolve(root, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		sess.AddFragment(loc, n.Text())
	}
	if r.Query != "" {
		if _, err := selectInto(sess, root, r.Query); err != nil {
			return nil, err
		}
	}
	def, err := sess.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if def.Title == "" {
		def.Title = r.URL
	}
	t, err := s.sched.CreateTask(ctx, def, r.PeriodMinutes)
	if err != nil {
		return nil, err
	}
	return s.view(t), nil
}

func (s *Service) removeTask(ctx context.Context, req any) (any, error) {
	r := req.(*taskIDRequest)
	if err := s.sched.RemoveTask(ctx, r.ID); err != nil {
		return nil, err
	}
	return map[string]string{"id": r.ID, "status": "removed"}, nil
}

func (s *Service) removeAll(ctx context.Context, _ any) (any, error) {
	n, err := s.sched.RemoveAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed": n}, nil
}

func (s *Service) checkTask(ctx context.Context, req any) (any, error) {
	r := req.(*taskIDRequest)
	rep, err := s.sched.CheckNow(ctx, r.ID)
	if err != nil && rep.Outcome != scheduler.OutcomeFetchFailed {
		return nil, err
	}
	// A failed fetch is a normal run result, reported in the body.
	out := map[string]any{"report": rep}
	if rep.Err != nil {
		out["error"] = rep.Err.Error()
	}
	return out, nil
}

func (s *Service) getSettings(ctx context.Context, _ any) (any, error) {
	set, err := s.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Service) updateSettings(ctx context.Context, req any) (any, error) {
	set := req.(*watchlist.Settings)
	set.Name = strings.TrimSpace(set.Name)
	set.Email = strings.TrimSpace(set.Email)
	if err := ValidateSettings(*set); err != nil {
		return nil, err
	}
	if err := s.store.SaveSettings(ctx, *set); err != nil {
		return nil, err
	}
	s.logger.Info("pinwatch: settings saved", "email_enabled", set.EmailEnabled(), "pause_hours", set.PauseHours)
	return set, nil
}

func (s *Service) recentEvents(ctx context.Context, req any) (any, error) {
	r := req.(*eventsRequest)
	evs, err := s.events.Recent(ctx, r.TaskID, r.Limit)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []observability.Event{}
	}
	return evs, nil
}

func (s *Service) beginCapture(ctx context.Context, req any) (any, error) {
	r := req.(*beginCaptureRequest)
	if err := s.checkURL(ctx, r.URL); err != nil {
		return nil, err
	}
	id, sess := s.captures.Begin(r.URL, r.Title)
	sess.Observe(func(f watchlist.Fragment) {
		s.logger.Debug("pinwatch: fragment selected", "session", id, "locator", f.Locator)
	})
	return captureView{Session: id, Fragments: []watchlist.Fragment{}}, nil
}

func (s *Service) addFragment(_ context.Context, req any) (any, error) {
	r := req.(*addFragmentRequest)
	sess, err := s.captures.Get(r.Session)
	if err != nil {
		return nil, err
	}
	if r.Locator == "" {
		return nil, fmt.Errorf("%w: locator is required", ErrBadRequest)
	}
	text := r.Text
	if text == "" && r.Markup != "" {
		text = capture.TextFromMarkup(r.Markup)
	}
	added := 0
	if sess.AddFragment(r.Locator, text) {
		added = 1
	}
	return captureView{Session: r.Session, Fragments: sess.Fragments(), Added: added}, nil
}

// selectNodes loads the session's page and adds every allowed element
// matching the query.
func (s *Service) selectNodes(ctx context.Context, req any) (any, error) {
	r := req.(*selectRequest)
	sess, err := s.captures.Get(r.Session)
	if err != nil {
		return nil, err
	}
	if r.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrBadRequest)
	}
	root, err := s.loadTree(ctx, sess.URL())
	if err != nil {
		return nil, err
	}
	added, err := selectInto(sess, root, r.Query)
	if err != nil {
		return nil, err
	}
	return captureView{Session: r.Session, Fragments: sess.Fragments(), Added: added}, nil
}

func (s *Service) finalizeCapture(ctx context.Context, req any) (any, error) {
	r := req.(*finalizeRequest)
	if err := s.sched.ValidatePeriod(r.PeriodMinutes); err != nil {
		return nil, err
	}
	if r.Title != "" {
		sess, err := s.captures.Get(r.Session)
		if err != nil {
			return nil, err
		}
		sess.SetTitle(r.Title)
	}
	var t watchlist.WatchTask
	err := s.captures.Finalize(r.Session, func(def capture.Definition) error {
		var err error
		t, err = s.sched.CreateTask(ctx, def, r.PeriodMinutes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(t), nil
}

func (s *Service) cancelCapture(_ context.Context, req any) (any, error) {
	r := req.(*taskIDRequest)
	if !s.captures.Cancel(r.ID) {
		return nil, fmt.Errorf("%w: %s", capture.ErrUnknownSession, r.ID)
	}
	return map[string]string{"session": r.ID, "status": "cancelled"}, nil
}

// checkURL rejects an empty or unsafe page URL with ErrBadRequest.
func (s *Service) checkURL(ctx context.Context, raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrBadRequest)
	}
	if _, err := s.guard.Check(ctx, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// loadTree fetches url and returns its element tree.
func (s *Service) loadTree(ctx context.Context, url string) (locator.Node, error) {
	doc, err := s.fetcher.Open(ctx, url, s.cfg.Scheduler.FetchTimeout)
	if err != nil {
		return nil, err
	}
	hd, ok := doc.(*fetch.HTMLDocument)
	if !ok {
		return nil, fmt.Errorf("pinwatch: fetcher returned %T, not an HTML tree", doc)
	}
	return hd.Root(), nil
}

// selectInto adds the elements of root matching query to sess and returns
// how many were new. Elements whose tag cannot be watched are skipped.
func selectInto(sess *capture.Session, root locator.Node, query string) (int, error) {
	nodes := locator.Query(root, query)
	if len(nodes) == 0 {
		return 0, fmt.Errorf("%w: %q matched nothing", ErrBadRequest, query)
	}
	added := 0
	for _, n := range nodes {
		loc, err := locator.Generate(n)
		if errors.Is(err, locator.ErrTagNotAllowed) {
			continue
		}
		if err != nil {
			return added, err
		}
		if sess.AddFragment(loc, n.Text()) {
			added++
		}
	}
	if added == 0 && len(sess.Fragments()) == 0 {
		return 0, fmt.Errorf("%w: %q matched no watchable element", ErrBadRequest, query)
	}
	return added, nil
}
