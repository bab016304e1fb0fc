package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/enums"
	"github.com/redis/go-redis/v9"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubEngine struct {
	last string
}

func (s *stubEngine) hit(op string) (bool, error) {
	s.last = op
	return true, nil
}

func (s *stubEngine) CreateAndDispatch(context.Context, int64) (bool, error) {
	return s.hit("dispatch")
}

func (s *stubEngine) CustomerCancel(context.Context, int64) (bool, error) {
	return s.hit("cancel")
}

func (s *stubEngine) HandleAccept(context.Context, int64, int64) (bool, error) {
	return s.hit("offer_accept")
}

func (s *stubEngine) HandleDecline(context.Context, int64, int64) (bool, error) {
	return s.hit("offer_decline")
}

func (s *stubEngine) MarkArrived(context.Context, int64, int64) (bool, error) {
	return s.hit("arrived")
}

func (s *stubEngine) MarkOnboard(context.Context, int64, int64) (bool, error) {
	return s.hit("onboard")
}

func (s *stubEngine) FinishTrip(context.Context, int64, int64) (bool, error) {
	return s.hit("finish")
}

func (s *stubEngine) DriverCancel(context.Context, int64, int64) (bool, error) {
	return s.hit("trip_cancel")
}

func (s *stubEngine) GoOnline(context.Context, int64, enums.Zone) (bool, error) {
	return s.hit("online")
}

func (s *stubEngine) GoOffline(context.Context, int64) (bool, error) {
	return s.hit("offline")
}

func (s *stubEngine) UpdateTripETA(context.Context, int64, string, int) (bool, error) {
	return s.hit("eta")
}

func (s *stubEngine) QueuePosition(int64) (enums.Zone, int, bool) {
	s.last = "position"
	return enums.ZoneAvdon, 1, true
}

func (s *stubEngine) ZoneCounts() map[enums.Zone]int {
	s.last = "zones"
	return map[enums.Zone]int{}
}

func (s *stubEngine) Accept(context.Context, int64, int64) (bool, error) {
	return s.hit("broadcast_accept")
}

func (s *stubEngine) ReserveBroadcast(context.Context, int64, int64) (bool, error) {
	return s.hit("reserve")
}

func (s *stubEngine) ConfirmReserve(context.Context, int64) (bool, error) {
	return s.hit("confirm")
}

func (s *stubEngine) DeclineReserve(context.Context, int64) (bool, error) {
	return s.hit("reservation_decline")
}

func newTestRouter(engine *stubEngine) http.Handler {
	cfg := &config.Config{App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}}}
	return NewRouter(RouterParams{
		Config:     cfg,
		DB:         stubPinger{},
		Redis:      stubPinger{},
		Dispatcher: engine,
		Broadcast:  engine,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
}

func TestRoutesReachTheirOperations(t *testing.T) {
	engine := &stubEngine{}
	router := newTestRouter(engine)
	driverBody := `{"driver_id":4}`

	cases := []struct {
		method string
		path   string
		body   string
		op     string
	}{
		{http.MethodPost, "/api/v1/orders/1/dispatch", "", "dispatch"},
		{http.MethodPost, "/api/v1/orders/1/cancel", "", "cancel"},
		{http.MethodPost, "/api/v1/orders/1/offer/accept", driverBody, "offer_accept"},
		{http.MethodPost, "/api/v1/orders/1/offer/decline", driverBody, "offer_decline"},
		{http.MethodPost, "/api/v1/orders/1/broadcast/accept", driverBody, "broadcast_accept"},
		{http.MethodPost, "/api/v1/orders/1/broadcast/reserve", driverBody, "reserve"},
		{http.MethodPost, "/api/v1/orders/1/reservation/confirm", "", "confirm"},
		{http.MethodPost, "/api/v1/orders/1/reservation/decline", "", "reservation_decline"},
		{http.MethodPost, "/api/v1/orders/1/trip/arrived", driverBody, "arrived"},
		{http.MethodPost, "/api/v1/orders/1/trip/onboard", driverBody, "onboard"},
		{http.MethodPost, "/api/v1/orders/1/trip/finish", driverBody, "finish"},
		{http.MethodPost, "/api/v1/orders/1/trip/cancel", driverBody, "trip_cancel"},
		{http.MethodPost, "/api/v1/drivers/4/online", `{"zone":"AVDON"}`, "online"},
		{http.MethodPost, "/api/v1/drivers/4/offline", "", "offline"},
		{http.MethodPut, "/api/v1/drivers/4/eta", `{"next_finish_zone":"AVDON","eta_minutes":5}`, "eta"},
		{http.MethodGet, "/api/v1/drivers/4/queue-position", "", "position"},
		{http.MethodGet, "/api/v1/zones", "", "zones"},
	}
	for _, tc := range cases {
		engine.last = ""
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200 got %d: %s", tc.method, tc.path, resp.Code, resp.Body.String())
		}
		if engine.last != tc.op {
			t.Fatalf("%s %s: expected %s, got %q", tc.method, tc.path, tc.op, engine.last)
		}
		if resp.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", tc.path)
		}
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, resp.Code)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders/1/dispatch", nil))
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.Code)
	}
}

type memIdempotencyStore struct {
	data map[string]string
}

func (m *memIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memIdempotencyStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memIdempotencyStore) IdempotencyKey(scope, id string) string {
	return scope + ":" + id
}

func TestIdempotencyReplaysThroughRouter(t *testing.T) {
	engine := &stubEngine{}
	router := NewRouter(RouterParams{
		Config:      &config.Config{App: config.AppConfig{Env: "test"}},
		DB:          stubPinger{},
		Redis:       stubPinger{},
		Idempotency: &memIdempotencyStore{data: map[string]string{}},
		Dispatcher:  engine,
		Broadcast:   engine,
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/5/cancel", strings.NewReader(""))
		req.Header.Set("Idempotency-Key", "cancel-5")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp
	}

	first := send()
	if first.Code != http.StatusOK || engine.last != "cancel" {
		t.Fatalf("expected first cancel to run, got %d %q", first.Code, engine.last)
	}
	engine.last = ""
	second := send()
	if second.Code != http.StatusOK || second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replayed response, got %d %v", second.Code, second.Header())
	}
	if engine.last != "" {
		t.Fatalf("replay must not reach the dispatcher, got %q", engine.last)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q differs from %q", second.Body.String(), first.Body.String())
	}
}
