package pinwatch

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/pinwatch/capture"
	"github.com/hazyhaar/pinwatch/fetch"
	"github.com/hazyhaar/pinwatch/idgen"
	"github.com/hazyhaar/pinwatch/kit"
	"github.com/hazyhaar/pinwatch/scheduler"
	"github.com/hazyhaar/pinwatch/shield"
	"github.com/hazyhaar/pinwatch/urlguard"
	"github.com/hazyhaar/pinwatch/watchlist"
)

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

// Handler returns the HTTP API.
//
//	POST   /api/capture                      begin a capture session
//	POST   /api/capture/{sid}/fragments      add one fragment
//	POST   /api/capture/{sid}/select         add elements matching a query
//	POST   /api/capture/{sid}/finalize       create the task
//	DELETE /api/capture/{sid}                cancel
//	GET    /api/tasks                        list
//	POST   /api/tasks                        add by locators or query
//	DELETE /api/tasks                        remove all
//	GET    /api/tasks/{id}
//	DELETE /api/tasks/{id}
//	POST   /api/tasks/{id}/check             run now
//	GET    /api/settings
//	PUT    /api/settings
//	GET    /api/events?task_id=&limit=
//	GET    /healthz
//	GET    /metrics
func (s *Service) Handler() http.Handler {
	ep := s.endpoints()
	r := chi.NewRouter()
	r.Use(s.requestContext)
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	r.Use(shield.MaxBody(s.cfg.HTTP.MaxBodyBytes))
	if s.cfg.HTTP.RateLimit > 0 {
		opts := []shield.RateOption{shield.WithExclude("/healthz"), shield.WithLogger(s.logger)}
		if s.cfg.HTTP.TrustProxy {
			opts = append(opts, shield.WithTrustProxy())
		}
		r.Use(shield.NewRateLimiter(s.cfg.HTTP.RateLimit, time.Minute, opts...).Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if s.cfg.HTTP.AuthUser != "" {
			r.Use(s.basicAuth)
		}
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

		r.Route("/api/capture", func(r chi.Router) {
			r.Post("/", serve(ep.beginCapture, 201, func(r *http.Request) (any, error) {
				var req beginCaptureRequest
				return &req, decodeBody(r, &req)
			}))
			r.Post("/{sid}/fragments", serve(ep.addFragment, 200, func(r *http.Request) (any, error) {
				req := addFragmentRequest{}
				err := decodeBody(r, &req)
				req.Session = chi.URLParam(r, "sid")
				return &req, err
			}))
			r.Post("/{sid}/select", serve(ep.selectNodes, 200, func(r *http.Request) (any, error) {
				req := selectRequest{}
				err := decodeBody(r, &req)
				req.Session = chi.URLParam(r, "sid")
				return &req, err
			}))
			r.Post("/{sid}/finalize", serve(ep.finalize, 201, func(r *http.Request) (any, error) {
				req := finalizeRequest{}
				err := decodeBody(r, &req)
				req.Session = chi.URLParam(r, "sid")
				return &req, err
			}))
			r.Delete("/{sid}", serve(ep.cancelCapture, 200, func(r *http.Request) (any, error) {
				return &taskIDRequest{ID: chi.URLParam(r, "sid")}, nil
			}))
		})

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", serve(ep.listTasks, 200, noRequest))
			r.Post("/", serve(ep.addTask, 201, func(r *http.Request) (any, error) {
				var req addTaskRequest
				return &req, decodeBody(r, &req)
			}))
			r.Delete("/", serve(ep.removeAll, 200, noRequest))
			r.Get("/{id}", serve(ep.getTask, 200, idParam))
			r.Delete("/{id}", serve(ep.removeTask, 200, idParam))
			r.Post("/{id}/check", serve(ep.checkTask, 200, idParam))
		})

		r.Get("/api/settings", serve(ep.getSettings, 200, noRequest))
		r.Put("/api/settings", serve(ep.updateSettings, 200, func(r *http.Request) (any, error) {
			var req watchlist.Settings
			return &req, decodeBody(r, &req)
		}))

		r.Get("/api/events", serve(ep.events, 200, func(r *http.Request) (any, error) {
			return &eventsRequest{
				TaskID: r.URL.Query().Get("task_id"),
				Limit:  queryInt(r, "limit", 50),
			}, nil
		}))
	})
	return r
}

// requestContext tags the request context for kit endpoints.
func (s *Service) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, id)
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// basicAuth checks HTTP basic credentials against the configured user and
// bcrypt hash.
func (s *Service) basicAuth(next http.Handler) http.Handler {
	wantUser := []byte(s.cfg.HTTP.AuthUser)
	hash := []byte(s.cfg.HTTP.AuthPasswordHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), wantUser) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="pinwatch"`)
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithUser(r.Context(), user)))
	})
}

func serve(ep kit.Endpoint, code int, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			code := 400
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				code = 413
			}
			writeError(w, code, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, code, resp)
	}
}

func noRequest(*http.Request) (any, error) { return nil, nil }

func idParam(r *http.Request) (any, error) {
	return &taskIDRequest{ID: chi.URLParam(r, "id")}, nil
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func statusFor(err error) int {
	var fe *fetch.Error
	switch {
	case errors.As(err, &fe):
		return 502
	case errors.Is(err, watchlist.ErrTaskNotFound), errors.Is(err, capture.ErrUnknownSession):
		return 404
	case errors.Is(err, scheduler.ErrRunInProgress), errors.Is(err, capture.ErrClosed):
		return 409
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidSettings),
		errors.Is(err, urlguard.ErrScheme), errors.Is(err, urlguard.ErrNoHost), errors.Is(err, urlguard.ErrPrivate),
		errors.Is(err, scheduler.ErrInvalidTaskDefinition), errors.Is(err, capture.ErrEmptySession):
		return 400
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
