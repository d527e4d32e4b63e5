package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/config"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/dispatch"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/docstore"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/ingest"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/payments"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/roster"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/stops"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/subscription"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/ticket"
)

// StopIndex is the GEO stop index consulted for nearest-stop queries and
// rebuilt by the admin reindex endpoint.
type StopIndex interface {
	Index(ctx context.Context, b *models.Bus) error
	NearbyIDs(ctx context.Context, busID string, lat, lon float64, limit int) ([]string, error)
}

// RosterMirror is the consumer-maintained Redis membership mirror, read
// here only to report drift against the bus document.
type RosterMirror interface {
	Contains(ctx context.Context, busID, userID string) (bool, error)
	Members(ctx context.Context, busID string) ([]string, error)
}

type Server struct {
	Store    docstore.Store
	Subs     *subscription.Service
	Scanner  *ticket.Scanner
	Stops    StopIndex    // optional
	Mirror   RosterMirror // optional
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

// NewServerFromEnv wires the full service graph with memory fallbacks so
// the binary runs locally without Postgres, Kafka or Stripe configured.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var store docstore.Store
	if cfg.PGDSN != "" {
		if ps, err := docstore.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = docstore.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var pay subscription.PaymentHolder
	if os.Getenv("STRIPE_API_KEY") != "" {
		pay = payments.NewStripeClient()
	}

	var notify subscription.RiderNotifier
	if ep := os.Getenv("PUSH_ENDPOINT"); ep != "" {
		notify = dispatch.NewPushNotifier(ep, os.Getenv("PUSH_KEY"))
	}

	wsreg := dispatch.NewWSRegistry(logger)

	// keep nil *KafkaProducer from becoming a non-nil interface
	var evPub subscription.Publisher
	var scanPub ticket.Publisher
	if kp != nil {
		evPub = kp
		scanPub = kp
	}

	subs := &subscription.Service{
		Store:           store,
		Payments:        pay,
		Events:          evPub,
		Notify:          notify,
		Logger:          logger,
		DefaultCapacity: cfg.DefaultCapacity,
	}
	var replay *ticket.ReplayCache
	if cfg.ScanReplayTTL > 0 {
		replay = ticket.NewReplayCache(cfg.ScanReplayTTL)
	}
	scanner := &ticket.Scanner{Store: store, Replay: replay, Events: scanPub, Notify: wsreg, Logger: logger}

	var st StopIndex
	var mirror RosterMirror
	if cfg.RedisAddr != "" {
		st = stops.NewRedisStops(cfg.RedisAddr, cfg.RedisPassword, cfg.StopsGeoPrefix)
		mirror = roster.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RosterKeyPrefix)
	}

	s := &Server{
		Store:    store,
		Subs:     subs,
		Scanner:  scanner,
		Stops:    st,
		Mirror:   mirror,
		Kafka:    kp,
		WSReg:    wsreg,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/subscriptions", s.handleSubscribe).Methods("POST")
	s.mux.HandleFunc("/api/v1/subscriptions/cancel", s.handleCancelPending).Methods("POST")
	s.mux.HandleFunc("/api/v1/subscriptions/unsubscribe", s.handleUnsubscribe).Methods("POST")
	s.mux.HandleFunc("/api/v1/subscriptions/resubscribe", s.handleResubscribe).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/subscriptions/remove", s.handleAdminRemove).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/buses/{bus_id}/reconcile", s.handleReconcile).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/buses/{bus_id}/cleanup", s.handleCleanup).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/buses/{bus_id}/stops/reindex", s.handleReindexStops).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/buses/{bus_id}/mirror", s.handleMirrorStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/payments/confirm", s.handlePaymentConfirm).Methods("POST")
	s.mux.HandleFunc("/api/v1/scan", s.handleScan).Methods("POST")
	s.mux.HandleFunc("/api/v1/users/{user_id}/subscriptions", s.handleListSubscriptions).Methods("GET")
	s.mux.HandleFunc("/api/v1/buses/{bus_id}/roster", s.handleRoster).Methods("GET")
	s.mux.HandleFunc("/api/v1/buses/{bus_id}/stops/nearby", s.handleNearbyStop).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{bus_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type subscribeRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	BusID      string `json:"bus_id" validate:"required"`
	LocationID string `json:"location_id"`
	Type       string `json:"subscription_type" validate:"required,oneof=monthly per_ride"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Subs.Subscribe(r.Context(), req.UserID, req.BusID, req.LocationID, models.SubscriptionType(req.Type))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Subs.Resubscribe(r.Context(), req.UserID, req.BusID, req.LocationID, models.SubscriptionType(req.Type))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type cancelRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Subs.CancelPending(r.Context(), req.UserID, req.SubscriptionID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeRequest struct {
	UserID string `json:"user_id" validate:"required"`
	BusID  string `json:"bus_id" validate:"required"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Subs.Unsubscribe(r.Context(), req.UserID, req.BusID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminRemoveRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	BusID     string `json:"bus_id" validate:"required"`
	RemovedBy string `json:"removed_by" validate:"required"`
}

func (s *Server) handleAdminRemove(w http.ResponseWriter, r *http.Request) {
	var req adminRemoveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Subs.AdminRemove(r.Context(), req.UserID, req.BusID, req.RemovedBy); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReindexStops(w http.ResponseWriter, r *http.Request) {
	if s.Stops == nil {
		http.Error(w, "stop index not configured", http.StatusServiceUnavailable)
		return
	}
	busID := mux.Vars(r)["bus_id"]
	b, err := s.Store.GetBus(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.Stops.Index(r.Context(), b); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": len(b.Stops)})
}

// handleMirrorStatus compares the bus document roster against the Redis
// mirror the consumer maintains and reports membership drift.
func (s *Server) handleMirrorStatus(w http.ResponseWriter, r *http.Request) {
	if s.Mirror == nil {
		http.Error(w, "roster mirror not configured", http.StatusServiceUnavailable)
		return
	}
	busID := mux.Vars(r)["bus_id"]
	b, err := s.Store.GetBus(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rostered := make(map[string]bool, len(b.Roster))
	var missing []string
	for _, e := range b.Roster {
		if e.Status != models.StatusActive || rostered[e.UserID] {
			continue
		}
		rostered[e.UserID] = true
		ok, err := s.Mirror.Contains(r.Context(), busID, e.UserID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !ok {
			missing = append(missing, e.UserID)
		}
	}
	members, err := s.Mirror.Members(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var extra []string
	for _, m := range members {
		if !rostered[m] {
			extra = append(extra, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"members": len(members),
		"missing": missing,
		"extra":   extra,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	repaired, err := s.Subs.Reconcile(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"repaired": repaired})
}

type cleanupRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	var req cleanupRequest
	if !s.decode(w, r, &req) {
		return
	}
	replaced, err := s.Subs.CleanupDuplicates(r.Context(), req.UserID, busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replaced": replaced})
}

type paymentConfirmRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Status         string `json:"status" validate:"omitempty,oneof=succeeded failed"`
}

func (s *Server) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	var req paymentConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	var err error
	if req.Status == "failed" {
		err = s.Subs.MarkUnpaid(r.Context(), req.UserID, req.SubscriptionID)
	} else {
		err = s.Subs.ConfirmPayment(r.Context(), req.UserID, req.SubscriptionID)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scanRequest struct {
	BusID   string `json:"bus_id" validate:"required"`
	Payload string `json:"payload" validate:"required"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.Scanner.Validate(r.Context(), req.Payload, req.BusID)
	// Denials are still 200: the scan itself succeeded, boarding did not.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	u, err := s.Store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Subscriptions)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	b, err := s.Store.GetBus(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Roster)
}

func (s *Server) handleNearbyStop(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon query params are required", http.StatusBadRequest)
		return
	}
	b, err := s.Store.GetBus(r.Context(), busID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if s.Stops != nil {
		if ids, err := s.Stops.NearbyIDs(r.Context(), busID, lat, lon, 1); err == nil && len(ids) > 0 {
			for _, st := range b.Stops {
				if st.ID == ids[0] {
					s.writeNearbyStop(w, st, lat, lon)
					return
				}
			}
		}
	}
	st, _, ok := stops.Nearest(b.Stops, lat, lon)
	if !ok {
		http.Error(w, "bus has no stops", http.StatusNotFound)
		return
	}
	s.writeNearbyStop(w, st, lat, lon)
}

func (s *Server) writeNearbyStop(w http.ResponseWriter, st models.Stop, lat, lon float64) {
	dist := stops.Haversine(lat, lon, st.Lat, st.Lon)
	writeJSON(w, http.StatusOK, map[string]any{
		"stop":         st,
		"distance_m":   dist,
		"walk_seconds": stops.WalkSeconds(dist, 0),
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["bus_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(busID, conn)
	// drain the connection so a closed driver device frees its slot
	go func() {
		defer s.WSReg.Remove(busID, sess)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrAlreadySubscribed),
		errors.Is(err, subscription.ErrBusFull),
		errors.Is(err, subscription.ErrNotPending),
		errors.Is(err, subscription.ErrNoActiveSubscription),
		errors.Is(err, subscription.ErrNoPriorSubscription):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, subscription.ErrSubscriptionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
