package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"github.com/ahmadzakiakmal/passport-workbench/workbench"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// maxBodyBytes bounds request bodies, operation payloads included
const maxBodyBytes = 1 << 20

// Request is an HTTP request as seen by a service handler
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
	// Params holds the values of ":name" path segments
	Params map[string]string `json:"params,omitempty"`
}

// Response is what a service handler computed
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(ctx context.Context, req *Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// Units is the unit and passport side of the store
type Units interface {
	CreateUnit(ctx context.Context, unit *models.Unit, componentIDs []string) error
	AttachComponents(ctx context.Context, unitID string, componentIDs []string) error
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
	GetPassport(ctx context.Context, ref string) (*models.Passport, error)
}

// Anchoring is the operator view of the anchoring pipeline
type Anchoring interface {
	Status(ctx context.Context, passportHash string) (*models.AnchoringRecord, error)
	Failed(ctx context.Context) ([]models.AnchoringRecord, error)
	Requeue(ctx context.Context, passportHash, requestedBy string) (*models.AnchoringRecord, error)
	Counts(ctx context.Context) (map[string]int64, error)
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex

	workbenches *workbench.Registry
	normalizer  *device.Normalizer
	devices     map[string]device.Kind
	units       Units
	anchoring   Anchoring
	logger      cmtlog.Logger
}

// NewRequest converts an http.Request to a Request
func NewRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(bodyBytes) > maxBodyBytes {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		body = compactJSON(strings.TrimSpace(string(bodyBytes)))
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry. devices maps a HID device id to
// the kind of reader it is; ids match case-insensitively.
func NewServiceRegistry(
	workbenches *workbench.Registry,
	normalizer *device.Normalizer,
	devices map[string]device.Kind,
	units Units,
	anchoring Anchoring,
	logger cmtlog.Logger,
) *ServiceRegistry {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	kinds := make(map[string]device.Kind, len(devices))
	for id, kind := range devices {
		kinds[strings.ToLower(id)] = kind
	}
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		workbenches: workbenches,
		normalizer:  normalizer,
		devices:     kinds,
		units:       units,
		anchoring:   anchoring,
		logger:      logger.With("module", "srvreg"),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a method and path, along with the values
// of the route's path parameters
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, nil, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) || sr.exactRoutes[routeKey] {
			continue
		}
		if params, ok := matchPath(routeKey.Path, path); ok {
			return handler, params, true
		}
	}

	return nil, nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/workbenches/:id" matching "/workbenches/WB-1"
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return nil, false
			}
			params[patternParts[i][1:]] = pathParts[i]
			continue
		}
		if patternParts[i] != pathParts[i] {
			return nil, false
		}
	}

	return params, true
}

// RegisterDefaultServices sets up the workbench endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Device Endpoints
	sr.RegisterHandler("POST", "/devices/:device/events", false, sr.DeviceEventHandler)

	// Unit Endpoints
	sr.RegisterHandler("POST", "/units", true, sr.RegisterUnitHandler)
	sr.RegisterHandler("GET", "/units/:id", false, sr.GetUnitHandler)
	sr.RegisterHandler("POST", "/units/:id/components", false, sr.AttachComponentsHandler)

	// Workbench Endpoints
	sr.RegisterHandler("GET", "/workbenches", true, sr.ListWorkbenchesHandler)
	sr.RegisterHandler("GET", "/workbenches/:id", false, sr.WorkbenchStatusHandler)
	sr.RegisterHandler("POST", "/workbenches/:id/unit", false, sr.SelectUnitHandler)
	sr.RegisterHandler("POST", "/workbenches/:id/operations", false, sr.StartOperationHandler)
	sr.RegisterHandler("POST", "/workbenches/:id/operations/:seq/complete", false, sr.CompleteOperationHandler)
	sr.RegisterHandler("POST", "/workbenches/:id/close", false, sr.CloseSessionHandler)
	sr.RegisterHandler("POST", "/workbenches/:id/abort", false, sr.AbortSessionHandler)

	// Passport Endpoints
	sr.RegisterHandler("GET", "/passports/:ref", false, sr.GetPassportHandler)
	sr.RegisterHandler("GET", "/passports/:ref/verify", false, sr.VerifyPassportHandler)
	sr.RegisterHandler("GET", "/passports/:ref/document", false, sr.PassportDocumentHandler)

	// Anchoring Endpoints
	sr.RegisterHandler("GET", "/anchoring/failed", true, sr.FailedAnchoringHandler)
	sr.RegisterHandler("GET", "/anchoring/:hash", false, sr.AnchoringStatusHandler)
	sr.RegisterHandler("POST", "/anchoring/:hash/requeue", false, sr.RequeueAnchoringHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(ctx context.Context, services *ServiceRegistry) (*Response, error) {
	handler, params, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}
	req.Params = params
	return handler(ctx, req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// not JSON, keep the trimmed original
		return strings.TrimSpace(body)
	}
	return buf.String()
}
