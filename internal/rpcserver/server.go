package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kernel-hypeman-labs/msbhost/internal/logging"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/metric"
)

// RPCPath is the single fixed endpoint every method is dispatched from,
// per spec.md §6's "tools share one JSON-RPC endpoint" redesign note.
const RPCPath = "/rpc"

// NewRouter builds the chi router exposing svc at RPCPath, following the
// teacher's middleware stack (request id, real ip, structured request log,
// panic recovery) plus otelchi tracing for request-level spans/metrics. A
// nil meter disables the request counter/histogram pair without affecting
// any other middleware.
func NewRouter(svc *Service, meter metric.Meter) chi.Router {
	httpMetrics, err := newHTTPMetrics(meter)
	if err != nil {
		httpMetrics = nil
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware("msbhost", otelchi.WithChiRoutes(r)))
	r.Use(httpMetrics.middleware)

	r.Post(RPCPath, svc.handleRPC)
	return r
}

// handleRPC decodes the envelope, dispatches to the named method, and
// writes back either a result or an RPCError, per spec.md §6/§7.
func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeRPCError(w, nil, http.StatusBadRequest, &RPCError{
			ErrorType: "BadRequest",
			Message:   "request body is not a valid JSON-RPC envelope",
		})
		return
	}

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		log.ErrorContext(ctx, "rpc call failed", "method", req.Method, "error_type", rpcErr.ErrorType, "message", rpcErr.Message)
		writeRPCError(w, req.ID, statusForErrorType(rpcErr.ErrorType), rpcErr)
		return
	}

	writeRPCResult(w, req.ID, result)
}

// dispatch decodes params into the method's typed struct and invokes the
// matching Service method. Unknown methods are reported as BadRequest
// rather than InternalError, since they reflect a caller mistake.
func (s *Service) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, *RPCError) {
	switch method {
	case "execute_code":
		var p executeCodeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, badParams(err)
		}
		return s.ExecuteCode(ctx, p)
	case "execute_command":
		var p executeCommandParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, badParams(err)
		}
		return s.ExecuteCommand(ctx, p)
	case "get_sessions":
		var p getSessionsParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, badParams(err)
			}
		}
		return s.GetSessions(ctx, p)
	case "stop_session":
		var p stopSessionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, badParams(err)
		}
		return s.StopSession(ctx, p)
	case "get_volume_path":
		var p getVolumePathParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, badParams(err)
			}
		}
		return s.GetVolumePath(ctx, p)
	case "get_system_health":
		var p getSystemHealthParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, badParams(err)
			}
		}
		return s.GetSystemHealth(ctx, p)
	default:
		return nil, &RPCError{ErrorType: "UnknownMethod", Message: "unknown method: " + method}
	}
}

func badParams(err error) *RPCError {
	return &RPCError{ErrorType: "BadRequest", Message: "invalid params: " + err.Error()}
}

// writeRPCResult writes a successful envelope.
func writeRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

// writeRPCError writes an error envelope with the given HTTP status.
func writeRPCError(w http.ResponseWriter, id any, status int, rpcErr *RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Error: rpcErr, ID: id})
}

// statusForErrorType maps an RPCError's conceptual type to an HTTP status,
// per spec.md §7's "errors carry enough structure to also drive transport
// status codes" note.
func statusForErrorType(errorType string) int {
	switch errorType {
	case "SessionNotFound":
		return http.StatusNotFound
	case "BadRequest", "UnknownMethod", "UnsupportedTemplate", "InvalidFlavor":
		return http.StatusBadRequest
	case "InvalidSessionState":
		return http.StatusConflict
	case "ResourceLimitExceeded":
		return http.StatusTooManyRequests
	case "ExecutionTimeout":
		return http.StatusGatewayTimeout
	case "CompilationError", "RuntimeError", "SystemError", "CodeExecutionError":
		return http.StatusUnprocessableEntity
	case "SessionCreationFailed", "ImagePullFailed", "LayerExtractionFailed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
