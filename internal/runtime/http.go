package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-atis/internal/eventstore"
	"github.com/loqalabs/loqa-atis/internal/manager"
)

// StationLister is the part of *manager.Manager the HTTP API reads.
type StationLister interface {
	Stations() []manager.Status
}

// History is the part of *eventstore.Store the HTTP API reads.
type History interface {
	ListBroadcasts(ctx context.Context, stationID string, limit int) ([]eventstore.Broadcast, error)
	ListSessions(ctx context.Context, stationID string, limit int) ([]eventstore.Session, error)
}

func newMux(stations StationLister, history History, ready func() bool, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /stations", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stations.Stations())
	})
	mux.HandleFunc("GET /stations/{id}/broadcasts", func(w http.ResponseWriter, req *http.Request) {
		out, err := history.ListBroadcasts(req.Context(), req.PathValue("id"), limit(req))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if out == nil {
			out = []eventstore.Broadcast{}
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /stations/{id}/sessions", func(w http.ResponseWriter, req *http.Request) {
		out, err := history.ListSessions(req.Context(), req.PathValue("id"), limit(req))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if out == nil {
			out = []eventstore.Session{}
		}
		writeJSON(w, http.StatusOK, out)
	})
	return mux
}

func limit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
