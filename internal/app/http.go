package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/illmade-knight/go-fieldsync/pkg/events"
	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Syncer is the part of the sync service the HTTP API drives.
type Syncer interface {
	SyncNow(ctx context.Context, opts syncservice.RunOptions) (types.SyncReport, error)
	Status(ctx context.Context) (syncservice.Status, error)
}

// NewHandler serves the daemon's HTTP API:
//
//	GET  /healthz  liveness
//	GET  /metrics  Prometheus metrics from reg
//	GET  /status   watermark and pending counts
//	POST /sync     one foreground sync; ?domain=&group=&version= restricts it
//	GET  /events   newline-delimited JSON lifecycle events, ?domain= filters
//
// broadcaster may be nil, which disables /events.
func NewHandler(syncer Syncer, broadcaster *events.Broadcaster, reg prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	h := &handler{syncer: syncer, broadcaster: broadcaster, logger: logger.With().Str("component", "HTTPHandler").Logger()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /sync", h.sync)
	if broadcaster != nil {
		mux.HandleFunc("GET /events", h.events)
	}
	return mux
}

type handler struct {
	syncer      Syncer
	broadcaster *events.Broadcaster
	logger      zerolog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncservice.ErrNoAccount):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.syncer.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	opts, err := runOptionsFromQuery(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	report, err := h.syncer.SyncNow(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func runOptionsFromQuery(r *http.Request) (syncservice.RunOptions, error) {
	q := r.URL.Query()
	group := q.Get("group")
	if group == "" {
		if q.Get("domain") != "" || q.Get("version") != "" {
			return syncservice.RunOptions{}, errors.New("group is required to restrict a sync")
		}
		return syncservice.RunOptions{}, nil
	}
	domain := types.Domain(q.Get("domain"))
	if domain == "" {
		domain = types.DomainProbes
	}
	if domain != types.DomainProbes && domain != types.DomainResponses {
		return syncservice.RunOptions{}, errors.New("domain must be probes or responses")
	}
	return syncservice.RunOptions{
		Filters: map[types.Domain]types.GroupFilter{domain: {Name: group, Version: q.Get("version")}},
	}, nil
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	var domains []types.Domain
	for _, d := range r.URL.Query()["domain"] {
		domains = append(domains, types.Domain(d))
	}

	sub := h.broadcaster.Subscribe(domains...)
	defer h.broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
