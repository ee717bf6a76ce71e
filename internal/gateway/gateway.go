// Package gateway serves the historical query API over bucket storage
// and the realtime websocket feed of aggregate deltas.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openchatalytics/chatalytics/internal/bus"
	"github.com/openchatalytics/chatalytics/internal/config"
	"github.com/openchatalytics/chatalytics/internal/pipeline"
	"github.com/openchatalytics/chatalytics/internal/store"
)

const wsWriteTimeout = 5 * time.Second

// HealthReporter surfaces per-room loop state for operators.
type HealthReporter interface {
	Health() []pipeline.RoomHealth
}

type Gateway struct {
	store  *store.Store
	bus    *bus.EventBus
	health HealthReporter
	server *http.Server
}

func NewGateway(cfg config.GatewayConfig, st *store.Store, b *bus.EventBus, health HealthReporter) *Gateway {
	g := &Gateway{store: st, bus: b, health: health}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v0", func(r chi.Router) {
		r.Get("/buckets", g.handleBuckets)
		r.Get("/entities/top", g.handleTopEntities)
		r.Get("/rooms", g.handleRooms)
		r.Get("/users", g.handleUsers)
	})
	r.Get("/healthz", g.handleHealth)
	r.Get("/ws", g.handleWS)

	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return g
}

// Handler exposes the router for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

func (g *Gateway) Start() {
	go func() {
		log.Printf("[gateway] listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

func (g *Gateway) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	log.Printf("[gateway] stopped")
	return nil
}

func (g *Gateway) handleBuckets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := store.Dimension(q.Get("dimension"))
	switch dim {
	case store.DimensionUser, store.DimensionEntity, store.DimensionRoom, store.DimensionEmoji:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown dimension %q", q.Get("dimension")))
		return
	}
	key := q.Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := g.store.ReadBuckets(dim, key, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"buckets": buckets})
}

func (g *Gateway) handleTopEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entities, err := g.store.TopEntities(q.Get("room"), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"entities": entities})
}

func (g *Gateway) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := g.store.ListRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"rooms": rooms})
}

func (g *Gateway) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"users": users})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms := []pipeline.RoomHealth{}
	if g.health != nil {
		rooms = g.health.Health()
	}
	status := http.StatusOK
	for _, room := range rooms {
		if room.State == pipeline.StateFailed {
			status = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"rooms": rooms})
}

// handleWS streams bus events to one realtime session. A session that
// stops reading is dropped by the bus without affecting the others.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] websocket accept error: %v", err)
		return
	}

	id, events := g.bus.Subscribe()
	log.Printf("[gateway] realtime session connected: %s", id)

	defer func() {
		g.bus.Unsubscribe(id)
		conn.CloseNow()
		log.Printf("[gateway] realtime session disconnected: %s", id)
	}()

	// Drain reads so client close frames are noticed.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				cancelRead()
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(readCtx, wsWriteTimeout)
			err = conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse from: %v", err)
		}
		from = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse to: %v", err)
		}
		to = t
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to %s not after from %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
