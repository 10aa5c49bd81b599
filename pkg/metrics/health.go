package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by berth serve
const (
	ComponentRuntime  = "runtime"
	ComponentStore    = "store"
	ComponentRegistry = "registry"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthRegistry holds component health for the serve process
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

var defaultRegistry = NewHealthRegistry(ComponentRuntime, ComponentStore)

// NewHealthRegistry creates a registry. critical components must be present
// and healthy for readiness.
func NewHealthRegistry(critical ...string) *HealthRegistry {
	return &HealthRegistry{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	defaultRegistry.SetVersion(version)
}

// SetComponent records the health of a component on the default registry
func SetComponent(name string, healthy bool, message string) {
	defaultRegistry.Set(name, healthy, message)
}

// SetVersion sets the version string for health responses
func (r *HealthRegistry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// Set records the health of a component
func (r *HealthRegistry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Health returns the overall health status
func (r *HealthRegistry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)
	for name, comp := range r.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Round(time.Second).String(),
	}
}

// Readiness reports whether every critical component is registered and healthy
func (r *HealthRegistry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string)

	for _, name := range r.critical {
		comp, exists := r.components[name]
		switch {
		case !exists:
			waiting = append(waiting, name)
			components[name] = "not registered"
		case !comp.Healthy:
			waiting = append(waiting, name)
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	message := ""
	if len(waiting) > 0 {
		status = "not_ready"
		sort.Strings(waiting)
		message = "waiting for " + waiting[0]
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Round(time.Second).String(),
	}
}

// HealthHandler serves /health from the default registry
func HealthHandler() http.HandlerFunc {
	return defaultRegistry.HealthHandler()
}

// ReadyHandler serves /ready from the default registry
func ReadyHandler() http.HandlerFunc {
	return defaultRegistry.ReadyHandler()
}

// HealthHandler returns an HTTP handler for the health endpoint
func (r *HealthRegistry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health := r.Health()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler returns an HTTP handler for the readiness endpoint
func (r *HealthRegistry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		readiness := r.Readiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
