package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/srvreg"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	listener        net.Listener
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *srvreg.ServiceRegistry
	anchoring       srvreg.Anchoring
	done            chan struct{}
}

// NewWebServer creates a new web server. gatherer is exposed at /metrics.
func NewWebServer(httpAddr string, serviceRegistry *srvreg.ServiceRegistry, anchoring srvreg.Anchoring, gatherer prometheus.Gatherer, logger cmtlog.Logger) *WebServer {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	mux := http.NewServeMux()

	server := &WebServer{
		httpAddr: httpAddr,
		server: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger.With("module", "server"),
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		anchoring:       anchoring,
		done:            make(chan struct{}),
	}

	// Register routes
	mux.HandleFunc("/debug", server.handleDebug)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", server.handleAPI)

	return server
}

// Handler returns the root handler, for serving without a listener
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ln, err := net.Listen("tcp", ws.httpAddr)
	if err != nil {
		return err
	}
	ws.listener = ln
	ws.logger.Info("Starting web server", "addr", ln.Addr().String())
	go func() {
		defer close(ws.done)
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Addr returns the address the server listens on once started
func (ws *WebServer) Addr() string {
	if ws.listener == nil {
		return ws.httpAddr
	}
	return ws.listener.Addr().String()
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	err := ws.server.Shutdown(ctx)
	if ws.listener != nil {
		<-ws.done
	}
	return err
}

// handleDebug reports uptime, workbench states and anchoring queue depth
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"uptime": time.Since(ws.startTime).String(),
	}
	if resp, err := (&srvreg.Request{Method: http.MethodGet, Path: "/workbenches"}).GenerateResponse(r.Context(), ws.serviceRegistry); err == nil && resp.StatusCode == http.StatusOK {
		debugInfo["workbenches"] = json.RawMessage(resp.Body)
	}
	if ws.anchoring != nil {
		counts, err := ws.anchoring.Counts(r.Context())
		if err != nil {
			debugInfo["anchoring_error"] = err.Error()
		} else {
			debugInfo["anchoring"] = counts
		}
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleAPI routes every other request through the service registry
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	request, err := srvreg.NewRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(r.Context(), ws.serviceRegistry)
	if response == nil {
		if err == nil {
			err = errors.New("handler returned no response")
		}
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "request_id", requestID, "err", err)
		return
	}
	if err != nil {
		ws.logger.Info("Request rejected",
			"request_id", requestID,
			"method", request.Method,
			"path", request.Path,
			"status", response.StatusCode,
			"err", err,
		)
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(response.StatusCode)
	if _, err := w.Write([]byte(response.Body)); err != nil {
		ws.logger.Error("Failed to write client response", "err", err)
	}

	ws.logger.Debug("Request handled",
		"request_id", requestID,
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
	)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(jsonBytes)
}
