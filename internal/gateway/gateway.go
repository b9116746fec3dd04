// Package gateway is the hub's HTTP surface: the device and App websocket
// endpoints, the REST routes the phone client uses out-of-band, and the
// operational endpoints (metrics, health).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openglass/lenshub/internal/config"
	"github.com/openglass/lenshub/internal/health"
	"github.com/openglass/lenshub/internal/registry"
	"github.com/openglass/lenshub/pkg/message"
	"github.com/openglass/lenshub/pkg/transport"
	"github.com/openglass/lenshub/pkg/transport/ws"
)

// handshakeTimeout bounds the wait for a connection's first frame.
const handshakeTimeout = 10 * time.Second

// maxRESTBody bounds REST request bodies.
const maxRESTBody = 1 << 20

// Server is the hub's HTTP server.
type Server struct {
	conf     *config.Config
	registry *registry.Registry
	health   *health.Handler

	httpServer *http.Server
}

// New creates a Server with all routes registered.
func New(conf *config.Config, reg *registry.Registry, healthHandler *health.Handler) *Server {
	s := &Server{
		conf:     conf,
		registry: reg,
		health:   healthHandler,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/device", s.handleDeviceWS)
	mux.HandleFunc("GET /ws/app", s.handleAppWS)
	mux.HandleFunc("POST /api/sessions/{userID}/location", s.handleLocationUpdate)
	mux.HandleFunc("POST /api/sessions/{userID}/settings", s.handleSettingsUpdate)
	mux.HandleFunc("POST /api/sessions/{userID}/apps/{packageName}/start", s.handleAppStart)
	mux.HandleFunc("POST /api/sessions/{userID}/apps/{packageName}/stop", s.handleAppStop)
	mux.Handle("GET /metrics", promhttp.Handler())
	if healthHandler != nil {
		healthHandler.Register(mux)
	}
	s.httpServer = &http.Server{
		Addr:              conf.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the context is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve: %w", err)
	}
}

// ── Device websocket ─────────────────────────────────────────────────────────

// handleDeviceWS accepts a glasses connection. The first frame must be a
// connection_init naming the user; the session is created on demand.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // cross-origin phone clients
	})
	if err != nil {
		slog.Warn("gateway: device accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 22) // audio frames
	handle := ws.New(conn)

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	typ, raw, err := handle.Read(ctx)
	cancel()
	if err != nil || typ != websocket.MessageText {
		handle.Close(transport.ClosePolicy, "expected connection_init")
		return
	}
	env, err := message.Decode(raw)
	if err != nil || env.Type != message.TypeConnectionInit {
		handle.Close(transport.ClosePolicy, "expected connection_init")
		return
	}
	init, err := message.As[message.ConnectionInit](env)
	if err != nil || init.UserID == "" {
		handle.Close(transport.ClosePolicy, "connection_init without userId")
		return
	}

	sess := s.registry.GetOrCreate(r.Context(), init.UserID)
	sess.AttachDevice(r.Context(), handle, init)

	// Read loop. The request context dies with the HTTP handler, so reads
	// use the background context until the connection closes.
	for {
		typ, raw, err := handle.Read(context.Background())
		if err != nil {
			handle.MarkClosed(ws.CloseStatus(err), "read error")
			return
		}
		switch typ {
		case websocket.MessageText:
			sess.HandleDeviceText(context.Background(), raw)
		case websocket.MessageBinary:
			sess.HandleDeviceBinary(context.Background(), raw)
		}
	}
}

// ── App websocket ────────────────────────────────────────────────────────────

// handleAppWS accepts an App connection. The first frame must be an
// app_connection_init naming the session (user) and carrying the API key.
func (s *Server) handleAppWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("gateway: app accept failed", "err", err)
		return
	}
	handle := ws.New(conn)

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	typ, raw, err := handle.Read(ctx)
	cancel()
	if err != nil || typ != websocket.MessageText {
		handle.Close(transport.ClosePolicy, "expected app_connection_init")
		return
	}
	env, err := message.Decode(raw)
	if err != nil || env.Type != message.TypeAppConnectionInit {
		handle.Close(transport.ClosePolicy, "expected app_connection_init")
		return
	}
	init, err := message.As[message.AppConnectionInit](env)
	if err != nil || init.PackageName == "" || init.SessionID == "" {
		handle.Close(transport.ClosePolicy, "incomplete app_connection_init")
		return
	}

	sess, ok := s.registry.Get(init.SessionID)
	if !ok {
		msg, _ := json.Marshal(message.ConnectionError{
			Type:    message.TypeConnectionError,
			Code:    message.ErrCodeAppNotStarted,
			Message: "no live session for user",
		})
		_ = handle.SendText(r.Context(), msg)
		handle.Close(transport.ClosePolicy, "no live session")
		return
	}
	if err := sess.Apps().HandleAppInit(r.Context(), handle, init); err != nil {
		slog.Warn("gateway: app handshake rejected",
			"package", init.PackageName, "err", err)
		return
	}

	for {
		typ, raw, err := handle.Read(context.Background())
		if err != nil {
			handle.MarkClosed(ws.CloseStatus(err), "read error")
			return
		}
		if typ == websocket.MessageText {
			sess.HandleAppText(context.Background(), init.PackageName, raw)
		}
	}
}

// ── REST ─────────────────────────────────────────────────────────────────────

// handleLocationUpdate ingests a phone-posted location fix.
func (s *Server) handleLocationUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userID"))
	if !ok {
		http.Error(w, `{"error":"no live session"}`, http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRESTBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}
	if err := sess.Location().UpdateFromAPI(r.Context(), body); err != nil {
		http.Error(w, `{"error":"invalid location payload"}`, http.StatusBadRequest)
		return
	}
	writeOK(w)
}

// handleSettingsUpdate applies a settings patch posted by the phone client.
func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userID"))
	if !ok {
		http.Error(w, `{"error":"no live session"}`, http.StatusNotFound)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRESTBody)).Decode(&patch); err != nil {
		http.Error(w, `{"error":"invalid settings payload"}`, http.StatusBadRequest)
		return
	}
	if err := sess.Settings().OnSettingsUpdatedViaRest(r.Context(), patch); err != nil {
		slog.Warn("gateway: settings update failed", "err", err)
		http.Error(w, `{"error":"settings update failed"}`, http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

// handleAppStart starts an App on behalf of the phone client.
func (s *Server) handleAppStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userID"))
	if !ok {
		http.Error(w, `{"error":"no live session"}`, http.StatusNotFound)
		return
	}
	if err := sess.Apps().StartApp(r.Context(), r.PathValue("packageName")); err != nil {
		slog.Warn("gateway: app start failed",
			"package", r.PathValue("packageName"), "err", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}
	writeOK(w)
}

// handleAppStop stops an App on behalf of the phone client.
func (s *Server) handleAppStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userID"))
	if !ok {
		http.Error(w, `{"error":"no live session"}`, http.StatusNotFound)
		return
	}
	if err := sess.Apps().StopApp(r.Context(), r.PathValue("packageName")); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
