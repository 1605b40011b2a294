// Package httpapi is the control surface of the daemon: posting config, the tweet queue,
// lifecycle history, metrics and health over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tweetq/internal/dispatch"
	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/queue"
	logx "tweetq/pkg/logx"
)

const maxBodyBytes = 1 << 20

type Queue interface {
	Enqueue(ctx context.Context, d queue.Draft) (queue.Tweet, error)
	Edit(ctx context.Context, id string, d queue.Draft) (queue.Tweet, error)
	Remove(ctx context.Context, id string) error
	Get(id string) (queue.Tweet, bool)
	List(status ...queue.Status) []queue.Tweet
	Counts() map[queue.Status]int
}

type Posting interface {
	Current() posting.Config
	Update(ctx context.Context, candidate posting.Config) (posting.Config, error)
}

type History interface {
	Snapshot() []notifier.HistoryItem
	Stats() notifier.Stats
}

type Dispatcher interface {
	Wake()
	Last() (time.Time, dispatch.Outcome)
}

// Deps are the services the API exposes. History, Dispatcher and Metrics are optional.
type Deps struct {
	Queue      Queue
	Posting    Posting
	History    History
	Dispatcher Dispatcher
	Metrics    http.Handler
	Log        logx.Logger
}

// RouterOptions control the parts of the router that depend on daemon config.
type RouterOptions struct {
	Token string
	Pprof bool
}

type api struct {
	Deps
}

// NewRouter builds the chi router. /healthz is always public; everything else requires the
// bearer token when one is set.
func NewRouter(d Deps, opts RouterOptions) http.Handler {
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(bearer(opts.Token))

		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
		if opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/config", a.getConfig)
			r.Put("/config", a.putConfig)

			r.Get("/tweets", a.listTweets)
			r.Post("/tweets", a.createTweet)
			r.Get("/tweets/{id}", a.getTweet)
			r.Patch("/tweets/{id}", a.editTweet)
			r.Delete("/tweets/{id}", a.removeTweet)

			r.Get("/events", a.events)
			r.Get("/stats", a.stats)
			r.Post("/dispatch/tick", a.tick)
		})
	})
	return r
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if a.Dispatcher != nil {
		at, outcome := a.Dispatcher.Last()
		if !at.IsZero() {
			out["lastTick"] = at
			out["lastOutcome"] = outcome
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Posting.Current())
}

func (a *api) putConfig(w http.ResponseWriter, r *http.Request) {
	var in posting.Config
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := a.Posting.Update(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *api) listTweets(w http.ResponseWriter, r *http.Request) {
	var filter []queue.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := queue.ParseStatus(part)
			if !ok {
				writeError(w, http.StatusBadRequest, errors.New("unknown status "+strconv.Quote(part)))
				return
			}
			filter = append(filter, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": a.Queue.List(filter...)})
}

func (a *api) createTweet(w http.ResponseWriter, r *http.Request) {
	var d queue.Draft
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := a.Queue.Enqueue(r.Context(), d)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Location", "/v1/tweets/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *api) getTweet(w http.ResponseWriter, r *http.Request) {
	t, ok := a.Queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, queue.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) editTweet(w http.ResponseWriter, r *http.Request) {
	var d queue.Draft
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := a.Queue.Edit(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) removeTweet(w http.ResponseWriter, r *http.Request) {
	if err := a.Queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []notifier.HistoryItem{}})
		return
	}
	items := a.History.Snapshot()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		if n < len(items) {
			items = items[len(items)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"queue": a.Queue.Counts()}
	cfg := a.Posting.Current()
	out["posting"] = map[string]any{"enabled": cfg.Enabled, "nextPostTime": cfg.NextPostTime}
	if a.History != nil {
		out["notifier"] = a.History.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) tick(w http.ResponseWriter, r *http.Request) {
	if a.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("dispatcher not running"))
		return
	}
	a.Dispatcher.Wake()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// fail maps domain errors onto status codes.
func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation), errors.Is(err, posting.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		a.Log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>. An empty token
// disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
}
