package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/roster"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ticket events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	mirrorUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_mirror_updates_total",
		Help: "Total successful roster mirror updates",
	})
	mirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_mirror_errors_total",
		Help: "Total roster mirror errors",
	})
	auditRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_rows_total",
		Help: "Total boarding audit rows written",
	})
	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_errors_total",
		Help: "Total boarding audit write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, mirrorUpdates, mirrorErrors, auditRows, auditErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "ticket-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "bus-ticketing-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	prefix := os.Getenv("REDIS_ROSTER_PREFIX")
	if prefix == "" {
		prefix = "bus:roster:"
	}
	mirror := roster.NewRedisMirror(redisAddr, os.Getenv("REDIS_PASSWORD"), prefix)

	var audit *auditStore
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		audit = &auditStore{db: db}
		defer db.Close()
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := mirror.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = mirror.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.TicketEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Type == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if audit != nil {
			if err := audit.Insert(ctx, ev); err != nil {
				auditErrors.Inc()
				log.Printf("audit write failed for user=%s: %v", ev.UserID, err)
			} else {
				auditRows.Inc()
			}
		}

		if !mirrorRelevant(ev.Type) {
			continue
		}
		if err := updateMirrorWithRetry(ctx, mirror, ev, 3, 200*time.Millisecond); err != nil {
			mirrorErrors.Inc()
			log.Printf("mirror update failed for user=%s bus=%s: %v", ev.UserID, ev.BusID, err)
			continue
		}
		mirrorUpdates.Inc()
	}
}

// MirrorUpdater defines the small subset of roster mirror operations we
// need for tests and production.
type MirrorUpdater interface {
	Add(ctx context.Context, busID, userID string) error
	Remove(ctx context.Context, busID, userID string) error
}

func mirrorRelevant(eventType string) bool {
	switch eventType {
	case models.EventSubscribed, models.EventUnsubscribed, models.EventCanceled:
		return true
	}
	return false
}

// updateMirrorWithRetry applies one event to the roster mirror with
// retry/backoff.
func updateMirrorWithRetry(ctx context.Context, m MirrorUpdater, ev models.TicketEvent, attempts int, delay time.Duration) error {
	apply := func() error {
		if ev.Type == models.EventSubscribed {
			return m.Add(ctx, ev.BusID, ev.UserID)
		}
		return m.Remove(ctx, ev.BusID, ev.UserID)
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

type auditStore struct{ db *sql.DB }

func (a *auditStore) Insert(ctx context.Context, ev models.TicketEvent) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO boarding_events(event_type, user_id, bus_id, subscription_id, scan_result, occurred_at) VALUES($1,$2,$3,$4,$5,$6)`,
		ev.Type, ev.UserID, ev.BusID, ev.SubscriptionID, ev.ScanResult, ev.At)
	return err
}
