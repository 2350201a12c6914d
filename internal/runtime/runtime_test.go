package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/eventstore"
	"github.com/loqalabs/loqa-atis/internal/manager"
	"github.com/loqalabs/loqa-atis/internal/station"
)

type fakeStations []manager.Status

func (f fakeStations) Stations() []manager.Status { return f }

type fakeHistory struct {
	broadcasts []eventstore.Broadcast
	err        error
	gotID      string
	gotLimit   int
}

func (h *fakeHistory) ListBroadcasts(_ context.Context, id string, limit int) ([]eventstore.Broadcast, error) {
	h.gotID, h.gotLimit = id, limit
	return h.broadcasts, h.err
}

func (h *fakeHistory) ListSessions(_ context.Context, id string, limit int) ([]eventstore.Session, error) {
	h.gotID, h.gotLimit = id, limit
	return nil, h.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	ready := false
	mux := newMux(fakeStations{}, &fakeHistory{}, func() bool { return ready }, nil)

	if rec := get(t, mux, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: expected 503, got %d", rec.Code)
	}
	ready = true
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz after start: expected 200, got %d", rec.Code)
	}
	if rec := get(t, mux, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler: expected 404, got %d", rec.Code)
	}
}

func TestStationsEndpoint(t *testing.T) {
	stations := fakeStations{
		{Station: station.Station{ID: "kxyz", FrequencyHz: 251_000_000}, Session: manager.SessionStatus{State: "streaming", NextPacketID: 12}},
	}
	mux := newMux(stations, &fakeHistory{}, func() bool { return true }, nil)

	rec := get(t, mux, "/stations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []manager.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Station.ID != "kxyz" || got[0].Session.NextPacketID != 12 {
		t.Fatalf("unexpected stations: %+v", got)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	history := &fakeHistory{broadcasts: []eventstore.Broadcast{{StationID: "kxyz", Outcome: "sent", Frames: 10}}}
	mux := newMux(fakeStations{}, history, func() bool { return true }, nil)

	rec := get(t, mux, "/stations/kxyz/broadcasts?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.gotID != "kxyz" || history.gotLimit != 5 {
		t.Fatalf("unexpected query: id=%q limit=%d", history.gotID, history.gotLimit)
	}
	var casts []eventstore.Broadcast
	if err := json.Unmarshal(rec.Body.Bytes(), &casts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(casts) != 1 || casts[0].Frames != 10 {
		t.Fatalf("unexpected broadcasts: %+v", casts)
	}

	rec = get(t, mux, "/stations/kxyz/sessions?limit=bogus")
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("expected empty list, got %d %q", rec.Code, rec.Body.String())
	}
	if history.gotLimit != 50 {
		t.Fatalf("expected default limit, got %d", history.gotLimit)
	}

	history.err = errors.New("disk gone")
	if rec := get(t, mux, "/stations/kxyz/broadcasts"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestDataSourceSelection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	cfg.DataSource.Mode = "static"
	if _, err := New(cfg, logger).dataSource(); err != nil {
		t.Fatalf("static source: %v", err)
	}
	cfg.DataSource.Mode = "bus"
	if _, err := New(cfg, logger).dataSource(); err == nil {
		t.Fatalf("expected bus source without bus to fail")
	}
	cfg.DataSource.Mode = "carrier-pigeon"
	if _, err := New(cfg, logger).dataSource(); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}
