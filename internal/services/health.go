package services

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Health service names
const (
	HealthDispatch = "resq.dispatch"
	HealthAlerts   = "resq.alerts"
)

// Health tracks per-component serving status with the standard gRPC
// health server and reports it over HTTP for load balancers.
type Health struct {
	server *health.Server
}

// NewHealth starts with every component NOT_SERVING
func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus(HealthDispatch, healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(HealthAlerts, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing updates one component
func (h *Health) SetServing(service string, serving bool) {
	s := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		s = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(service, s)
}

// Shutdown marks everything NOT_SERVING
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

// ServeHTTP answers 200 when the component named by ?service= (default:
// the whole server) is serving, 503 otherwise.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	resp, err := h.server.Check(r.Context(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		code := http.StatusInternalServerError
		if status.Code(err) == codes.NotFound {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}

	code := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"service": service, "status": resp.GetStatus().String()})
}
