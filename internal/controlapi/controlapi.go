// Package controlapi is a read-only HTTP+WebSocket surface over the
// engine's live state: manifest summary, chosen Representations, and
// buffer levels over HTTP, and a stream of the engine's events (§6
// "Exposed events") over a WebSocket. It is a host, not a spec
// component — a real embedding application would build its own UI
// against this, or against the engine's Go API directly.
//
// The router is grounded on tvarr's internal/http/server.go (chi.Mux
// wrapped in a *http.Server with a graceful Shutdown), and the
// WebSocket broadcast hub is grounded on starsinc1708-TorrX's
// internal/api/http/ws_hub.go (register/unregister/broadcast channels
// drained by one goroutine, a send channel and ping ticker per
// client), adapted from torrent session states to engine events.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

// RepresentationSummary is the read-only view of a chosen
// Representation exposed over the API.
type RepresentationSummary struct {
	TrackType string `json:"trackType"`
	ID        string `json:"id"`
	Bitrate   int    `json:"bitrate"`
}

// StatusSnapshot is the full read-only engine state returned by
// GET /status.
type StatusSnapshot struct {
	ManifestID      string                   `json:"manifestId"`
	IsDynamic       bool                     `json:"isDynamic"`
	PeriodCount     int                      `json:"periodCount"`
	Chosen          []RepresentationSummary  `json:"chosen"`
	BufferLevels    map[string]float64       `json:"bufferLevels"`
}

// StateProvider supplies the live engine state the API reports; the
// embedding application implements it over its own orchestrator/sink
// instances.
type StateProvider interface {
	Manifest() *manifest.Manifest
	ChosenRepresentations() []RepresentationSummary
	BufferLevels() map[string]float64
}

// Event is one item broadcast to connected WebSocket clients,
// mirroring §6's "Exposed events" (warning, error, representation
// change, buffer flush, manifest refresh, and so on).
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Server serves the control API.
type Server struct {
	log      logger.Logger
	provider StateProvider
	router   chi.Router
	http     *http.Server

	hub *hub
}

// NewServer builds a Server listening on addr, backed by provider for
// state queries.
func NewServer(log logger.Logger, addr string, provider StateProvider) *Server {
	s := &Server{
		log:      log.With("controlapi"),
		provider: provider,
		hub:      newHub(log),
	}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/manifest", s.handleManifest)
	r.Get("/events", s.handleEvents)
	s.router = r

	s.http = &http.Server{Addr: addr, Handler: r, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	return s
}

// Broadcast pushes an event to every connected WebSocket client. Safe
// to call before any client has connected or after Shutdown.
func (s *Server) Broadcast(eventType string, data interface{}) {
	s.hub.broadcast(Event{Type: eventType, Data: data})
}

// ListenAndServe starts the hub and HTTP server; it runs until
// Shutdown is called or the server fails to bind.
func (s *Server) ListenAndServe() error {
	go s.hub.run()
	s.log.Infof("control API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("controlapi: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and disconnects all
// WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("controlapi: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mf := s.provider.Manifest()
	snapshot := StatusSnapshot{
		Chosen:       s.provider.ChosenRepresentations(),
		BufferLevels: s.provider.BufferLevels(),
	}
	if mf != nil {
		snapshot.ManifestID = mf.ID
		snapshot.IsDynamic = mf.IsDynamic
		snapshot.PeriodCount = len(mf.Periods())
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	mf := s.provider.Manifest()
	if mf == nil {
		http.Error(w, "no manifest loaded", http.StatusNotFound)
		return
	}
	periods := mf.Periods()
	summaries := make([]periodSummary, 0, len(periods))
	for _, p := range periods {
		ps := periodSummary{ID: p.ID, Start: p.Start}
		for trackType, adaptations := range p.Adaptations {
			for _, a := range adaptations {
				for _, rep := range a.Representations {
					ps.Representations = append(ps.Representations, RepresentationSummary{
						TrackType: string(trackType),
						ID:        rep.ID,
						Bitrate:   rep.Bitrate,
					})
				}
			}
		}
		summaries = append(summaries, ps)
	}
	writeJSON(w, http.StatusOK, summaries)
}

type periodSummary struct {
	ID              string                  `json:"id"`
	Start           float64                 `json:"start"`
	Representations []RepresentationSummary `json:"representations"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	s.hub.serveClient(conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
