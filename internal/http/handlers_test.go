package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/config"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/dispatch"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/logging"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/ticket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.ServerConfig{DefaultCapacity: 5}
	s := NewServerFromEnv(cfg, logging.NewLogger("error"))
	ctx := context.Background()
	if err := s.Store.PutUser(ctx, &models.User{ID: "u1", Name: "Rider"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Store.PutBus(ctx, &models.Bus{ID: "b1", Label: "Bus 1", Capacity: 2, Stops: []models.Stop{
		{ID: "st1", Name: "Main Gate", Lat: 33.89, Lon: 35.5},
	}}); err != nil {
		t.Fatal(err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestSubscribeScanConfirmFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "monthly",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sub models.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}

	// payment still pending: scan is denied
	w = doJSON(t, s, "POST", "/api/v1/scan", map[string]string{"bus_id": "b1", "payload": sub.QRPayload})
	if w.Code != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d", w.Code)
	}
	var res ticket.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Authorized || res.Reason != ticket.ReasonPaymentPending {
		t.Fatalf("expected payment_pending denial, got %+v", res)
	}

	w = doJSON(t, s, "POST", "/api/v1/payments/confirm", map[string]string{
		"user_id": "u1", "subscription_id": sub.SubscriptionID, "status": "succeeded",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("confirm: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/api/v1/scan", map[string]string{"bus_id": "b1", "payload": sub.QRPayload})
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Authorized {
		t.Fatalf("expected authorized after payment, got %+v", res)
	}
}

func TestSubscribeConflictAndValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "per_ride",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "per_ride",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate subscribe: expected 409, got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "weekly",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad type: expected 400, got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "nobody", "bus_id": "b1", "subscription_type": "per_ride",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", w.Code)
	}
}

func TestUnsubscribeAndRoster(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "per_ride",
	})
	w := doJSON(t, s, "GET", "/api/v1/buses/b1/roster", nil)
	var roster []models.RosterEntry
	if err := json.Unmarshal(w.Body.Bytes(), &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster) != 1 {
		t.Fatalf("expected one roster entry, got %+v", roster)
	}

	w = doJSON(t, s, "POST", "/api/v1/subscriptions/unsubscribe", map[string]string{
		"user_id": "u1", "bus_id": "b1",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: expected 204, got %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/buses/b1/roster", nil)
	roster = nil
	if err := json.Unmarshal(w.Body.Bytes(), &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected empty roster, got %+v", roster)
	}
}

type fakeStopIndex struct {
	indexed *models.Bus
	ids     []string
}

func (f *fakeStopIndex) Index(ctx context.Context, b *models.Bus) error {
	f.indexed = b
	return nil
}

func (f *fakeStopIndex) NearbyIDs(ctx context.Context, busID string, lat, lon float64, limit int) ([]string, error) {
	return f.ids, nil
}

type fakeRosterMirror struct {
	members []string
}

func (f *fakeRosterMirror) Contains(ctx context.Context, busID, userID string) (bool, error) {
	for _, m := range f.members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRosterMirror) Members(ctx context.Context, busID string) ([]string, error) {
	return f.members, nil
}

func TestReindexStops(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/admin/buses/b1/stops/reindex", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no index configured: expected 503, got %d", w.Code)
	}

	idx := &fakeStopIndex{}
	s.Stops = idx
	w = doJSON(t, s, "POST", "/api/v1/admin/buses/b1/stops/reindex", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if idx.indexed == nil || idx.indexed.ID != "b1" || len(idx.indexed.Stops) != 1 {
		t.Fatalf("index not rebuilt from bus document: %+v", idx.indexed)
	}

	w = doJSON(t, s, "POST", "/api/v1/admin/buses/ghost/stops/reindex", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown bus: expected 404, got %d", w.Code)
	}

	// nearest-stop queries consult the rebuilt index
	idx.ids = []string{"st1"}
	w = doJSON(t, s, "GET", "/api/v1/buses/b1/stops/nearby?lat=33.89&lon=35.51", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Stop models.Stop `json:"stop"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Stop.ID != "st1" {
		t.Fatalf("expected indexed stop, got %+v", out.Stop)
	}
}

func TestMirrorStatus(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/admin/buses/b1/mirror", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no mirror configured: expected 503, got %d", w.Code)
	}

	doJSON(t, s, "POST", "/api/v1/subscriptions", map[string]string{
		"user_id": "u1", "bus_id": "b1", "subscription_type": "per_ride",
	})
	s.Mirror = &fakeRosterMirror{members: []string{"stale-rider"}}

	w = doJSON(t, s, "GET", "/api/v1/admin/buses/b1/mirror", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Members int      `json:"members"`
		Missing []string `json:"missing"`
		Extra   []string `json:"extra"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Members != 1 {
		t.Fatalf("expected 1 mirror member, got %d", out.Members)
	}
	if len(out.Missing) != 1 || out.Missing[0] != "u1" {
		t.Fatalf("rostered rider absent from mirror must be reported: %+v", out)
	}
	if len(out.Extra) != 1 || out.Extra[0] != "stale-rider" {
		t.Fatalf("mirror member without a seat must be reported: %+v", out)
	}
}

func TestWSSessionDetachesOnClose(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/b1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WSReg.Notify("b1", "ping"); err != nil {
		t.Fatalf("live session should be reachable: %v", err)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.WSReg.Notify("b1", "ping")
		if errors.Is(err, dispatch.ErrNoSession) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("closed session never detached, last err: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNearbyStop(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "GET", "/api/v1/buses/b1/stops/nearby?lat=33.89&lon=35.51", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Stop        models.Stop `json:"stop"`
		DistanceM   float64     `json:"distance_m"`
		WalkSeconds float64     `json:"walk_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Stop.ID != "st1" || out.DistanceM <= 0 || out.WalkSeconds <= 0 {
		t.Fatalf("unexpected nearby result: %+v", out)
	}

	w = doJSON(t, s, "GET", "/api/v1/buses/b1/stops/nearby", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing coords: expected 400, got %d", w.Code)
	}
}
