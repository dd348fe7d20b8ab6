package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"signalwatch/internal/config"
	"signalwatch/internal/predict"
	"signalwatch/internal/state"
	"signalwatch/internal/status"
)

// stubQuery serves one fixed intersection.
type stubQuery struct {
	err error
}

func (q stubQuery) IntersectionStatus(_ context.Context, id string) (status.IntersectionStatus, error) {
	if q.err != nil {
		return status.IntersectionStatus{}, q.err
	}
	if id != "X1" {
		return status.IntersectionStatus{}, status.ErrNotFound
	}
	return status.IntersectionStatus{
		IntersectionID: "X1",
		OverallState:   state.Red,
		ObservedAt:     time.Unix(1700000000, 0).UTC(),
		Fixtures: []status.FixtureStatus{{
			ID:                 7,
			Name:               "north",
			Location:           &status.Location{Latitude: 51.5, Longitude: -0.12},
			CurrentState:       state.Red,
			PredictedNextState: state.Green,
			SecondsToChange:    12.5,
			Confidence:         0.6,
			PredictionSource:   predict.SourceStatistic,
		}},
	}, nil
}

func (q stubQuery) Intersections(context.Context) ([]status.IntersectionSummary, error) {
	if q.err != nil {
		return nil, q.err
	}
	return []status.IntersectionSummary{{IntersectionID: "X1", Fixtures: 1, OverallState: state.Red}}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := NewServer(stubQuery{}, stubPinger{}, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	router := NewServer(stubQuery{}, stubPinger{err: errors.New("disk I/O error")}, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/status/X1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var resp struct {
		IntersectionID string `json:"intersection_id"`
		OverallState   string `json:"overall_state"`
		Fixtures       []struct {
			ID       int64 `json:"id"`
			Location struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"location"`
			CurrentState       string  `json:"current_state"`
			PredictedNextState string  `json:"predicted_next_state"`
			SecondsToChange    float64 `json:"seconds_to_change"`
			Confidence         float64 `json:"confidence"`
		} `json:"fixtures"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.IntersectionID != "X1" || resp.OverallState != "RED" {
		t.Errorf("unexpected intersection %q state %q", resp.IntersectionID, resp.OverallState)
	}
	if len(resp.Fixtures) != 1 {
		t.Fatalf("expected 1 fixture, got %d", len(resp.Fixtures))
	}
	f := resp.Fixtures[0]
	if f.ID != 7 || f.CurrentState != "RED" || f.PredictedNextState != "GREEN" {
		t.Errorf("unexpected fixture %+v", f)
	}
	if f.Location.Latitude != 51.5 || f.Location.Longitude != -0.12 {
		t.Errorf("unexpected location %+v", f.Location)
	}
	if f.SecondsToChange != 12.5 || f.Confidence != 0.6 {
		t.Errorf("unexpected prediction %v / %v", f.SecondsToChange, f.Confidence)
	}
}

func TestStatusEndpointNotFound(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/status/nowhere", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "Intersection not found" {
		t.Errorf("expected not found error, got %q", resp["error"])
	}
}

func TestStatusEndpointStoreFailure(t *testing.T) {
	router := NewServer(stubQuery{err: errors.New("database is locked")}, nil, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/status/X1", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Error("internal error detail leaked to client")
	}
}

func TestIntersectionsEndpoint(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/api/v1/intersections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp struct {
		Intersections []status.IntersectionSummary `json:"intersections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Intersections) != 1 || resp.Intersections[0].IntersectionID != "X1" {
		t.Errorf("unexpected intersections %+v", resp.Intersections)
	}
}

func TestAuthMiddleware(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{
		AuthEnabled: true,
		APIKeys:     []string{"test-key-123", "another-key"},
	}, nil).Router()

	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{"no key", "/api/v1/status/X1", nil, http.StatusUnauthorized},
		{"invalid key", "/api/v1/status/X1", map[string]string{"X-API-Key": "wrong-key"}, http.StatusForbidden},
		{"valid key via X-API-Key", "/api/v1/status/X1", map[string]string{"X-API-Key": "test-key-123"}, http.StatusOK},
		{"valid key via Bearer", "/api/v1/intersections", map[string]string{"Authorization": "Bearer another-key"}, http.StatusOK},
		{"valid key via query", "/api/v1/status/X1?api_key=another-key", nil, http.StatusOK},
		{"health is public", "/api/v1/health", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, router, tt.path, tt.headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestCORSHeaders(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{}, nil).Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status/X1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for OPTIONS, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected CORS Allow-Methods header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewServer(stubQuery{}, nil, config.APIConfig{}, nil).Router()

	rec := get(t, router, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default Go collectors in metrics output")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(stubQuery{}, nil, config.APIConfig{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
