package receiver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bracketcore/internal/pnl"
	"bracketcore/internal/store"
	"bracketcore/internal/types"
)

// Reconciler is the watcher surface the receiver drives.
type Reconciler interface {
	Reconcile(ctx context.Context) (examined, updated int, err error)
	Status() map[string]any
}

// StatusReporter exposes loop diagnostics.
type StatusReporter interface {
	Status() map[string]any
}

// HTTPReceiver serves the bracket intake and diagnostics API.
type HTTPReceiver struct {
	server     *http.Server
	logger     *slog.Logger
	port       int
	store      store.Store
	reconciler Reconciler
	monitor    StatusReporter
	pnlSub     StatusReporter
	pubsub     *pnl.PubSub
}

// NewHTTPReceiver creates the receiver.
func NewHTTPReceiver(port int, st store.Store, reconciler Reconciler, monitor, pnlSub StatusReporter, pubsub *pnl.PubSub, logger *slog.Logger) *HTTPReceiver {
	return &HTTPReceiver{
		port:       port,
		store:      st,
		reconciler: reconciler,
		monitor:    monitor,
		pnlSub:     pnlSub,
		pubsub:     pubsub,
		logger:     logger,
	}
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/brackets", r.handleBrackets)      // POST create, GET list
	mux.HandleFunc("/brackets/", r.handleBracketByID)  // GET/DELETE by parent order id
	mux.HandleFunc("/reconcile", r.handleReconcile)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/ws/pnl/", r.handlePnLSocket)
	mux.HandleFunc("/health", r.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", r.handleRoot)

	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler:      r.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting HTTP server",
		"port", r.port,
		"address", r.server.Addr,
	)

	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Catch immediate bind failures.
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info("[RECEIVER] Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}

// loggingMiddleware logs all incoming requests.
func (r *HTTPReceiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, req)

		r.logger.Info("[RECEIVER] Request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade work through the logging wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	return hj.Hijack()
}

func (r *HTTPReceiver) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"service": "bracketcore",
		"version": "1.0.0",
		"endpoints": []string{
			"POST /brackets - Register bracket orders",
			"GET /brackets - List bracket orders",
			"GET /brackets/{parent_order_id} - Get one bracket",
			"DELETE /brackets/{parent_order_id} - Remove a bracket",
			"POST /reconcile - Reconcile against the broker order list",
			"GET /status - Loop diagnostics",
			"GET /ws/pnl/{parent_order_id} - P&L event stream",
			"GET /metrics - Prometheus metrics",
			"GET /health - Health check",
		},
	})
}

func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (r *HTTPReceiver) handleBrackets(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleCreateBrackets(w, req)
	case http.MethodGet:
		r.handleListBrackets(w, req)
	default:
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleCreateBrackets accepts either one submission object or an array of
// them.
func (r *HTTPReceiver) handleCreateBrackets(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		r.sendError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	var subs []types.BracketSubmission
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &subs); err != nil {
			r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
	} else {
		var one types.BracketSubmission
		if err := json.Unmarshal(trimmed, &one); err != nil {
			r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		subs = []types.BracketSubmission{one}
	}

	for i := range subs {
		if strings.TrimSpace(subs[i].Ticker) == "" {
			r.sendError(w, http.StatusBadRequest, "ticker is required")
			return
		}
		if len(subs[i].Orders) == 0 {
			r.sendError(w, http.StatusBadRequest, "orders is required")
			return
		}
		for j := range subs[i].Orders {
			if subs[i].Orders[j].ParentOrderID == "" {
				r.sendError(w, http.StatusBadRequest, "parent_order_id is required on every order")
				return
			}
		}
	}

	added := r.store.AddBrackets(subs)
	if added == nil {
		added = []string{}
	}
	r.logger.Info("[RECEIVER] Brackets registered", "added", len(added))
	r.sendSuccess(w, "Brackets registered", map[string]any{
		"added": added,
		"count": len(added),
	})
}

func (r *HTTPReceiver) handleListBrackets(w http.ResponseWriter, req *http.Request) {
	brackets := r.store.List()
	r.sendSuccess(w, "Brackets", map[string]any{
		"brackets": brackets,
		"count":    len(brackets),
	})
}

func (r *HTTPReceiver) handleBracketByID(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/brackets/")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		r.sendError(w, http.StatusBadRequest, "parent_order_id is required")
		return
	}

	switch req.Method {
	case http.MethodGet:
		b, ok := r.store.Get(id)
		if !ok {
			r.sendError(w, http.StatusNotFound, "Bracket not found")
			return
		}
		r.sendSuccess(w, "Bracket", b)
	case http.MethodDelete:
		if !r.store.Remove(id) {
			r.sendError(w, http.StatusNotFound, "Bracket not found")
			return
		}
		r.logger.Info("[RECEIVER] Bracket removed", "parent_order_id", id)
		r.sendSuccess(w, "Bracket removed", map[string]any{"parent_order_id": id})
	default:
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (r *HTTPReceiver) handleReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	examined, updated, err := r.reconciler.Reconcile(req.Context())
	if err != nil {
		r.logger.Error("[RECEIVER] Reconciliation failed", "error", err)
		r.sendError(w, http.StatusBadGateway, fmt.Sprintf("Reconciliation failed: %v", err))
		return
	}

	r.sendSuccess(w, "Reconciliation complete", map[string]any{
		"examined": examined,
		"updated":  updated,
	})
}

func (r *HTTPReceiver) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	open := 0
	brackets := r.store.List()
	for i := range brackets {
		if brackets[i].IsOpen() {
			open++
		}
	}

	r.sendSuccess(w, "Status", map[string]any{
		"watcher":       r.reconciler.Status(),
		"monitor":       r.monitor.Status(),
		"pnl":           r.pnlSub.Status(),
		"brackets":      len(brackets),
		"open_brackets": open,
	})
}

func (r *HTTPReceiver) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

func (r *HTTPReceiver) sendSuccess(w http.ResponseWriter, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": message,
		"data":    data,
	})
}
