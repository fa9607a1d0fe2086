package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// ServiceHealth represents the health status of an individual service dependency.
type ServiceHealth struct {
	Status  string      `json:"status"` // "healthy", "unhealthy", "disabled"
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// DeepHealthResponse is the response body for the deep health check endpoint.
type DeepHealthResponse struct {
	Status    string                   `json:"status"` // "ok", "degraded", "unhealthy"
	Version   string                   `json:"version"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
	System    SystemInfo               `json:"system"`
}

// SystemInfo contains runtime information about the server process.
type SystemInfo struct {
	GoVersion    string  `json:"go_version"`
	NumGoroutine int     `json:"num_goroutine"`
	NumCPU       int     `json:"num_cpu"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	MemGCCycles  uint32  `json:"mem_gc_cycles"`
}

// handleHealth is the shallow liveness probe: it reports the process is up
// without touching any downstream dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeepHealthCheck performs a comprehensive health check of every
// configured dependency: the SQLite database, the NATS event bus, and the
// presence/rate-limit cache. Transports are reported only as active/total
// counts and never change the overall status — a transport being
// uninitialized or erroring is normal operating state (see
// /api/connections/status), not a server health problem.
//
// GET /health/deep
func (s *Server) handleDeepHealthCheck(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]ServiceHealth)
	overallStatus := "ok"
	checkTimeout := 5 * time.Second

	if s.DB != nil {
		dbHealth := s.checkServiceHealth("database", checkTimeout, func(ctx context.Context) error {
			return s.DB.HealthCheck(ctx)
		})
		services["database"] = dbHealth
		if dbHealth.Status == "unhealthy" {
			overallStatus = "unhealthy"
		}
	} else {
		services["database"] = ServiceHealth{Status: "disabled"}
	}

	if s.Events != nil {
		busHealth := s.checkServiceHealth("events", checkTimeout, func(_ context.Context) error {
			return s.Events.HealthCheck()
		})
		services["events"] = busHealth
		if busHealth.Status == "unhealthy" && overallStatus == "ok" {
			overallStatus = "degraded"
		}
	} else {
		services["events"] = ServiceHealth{Status: "disabled"}
	}

	if s.Cache != nil {
		cacheHealth := s.checkServiceHealth("cache", checkTimeout, func(ctx context.Context) error {
			return s.Cache.HealthCheck(ctx)
		})
		services["cache"] = cacheHealth
		if cacheHealth.Status == "unhealthy" && overallStatus == "ok" {
			overallStatus = "degraded"
		}
	} else {
		services["cache"] = ServiceHealth{Status: "disabled"}
	}

	if s.Registry != nil {
		statuses := s.Registry.Statuses()
		active := 0
		for _, st := range statuses {
			if st.State == "active" {
				active++
			}
		}
		services["transports"] = ServiceHealth{Status: "healthy", Details: map[string]interface{}{"active": active, "total": len(statuses)}}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := DeepHealthResponse{
		Status:    overallStatus,
		Version:   s.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:     float64(memStats.Sys) / 1024 / 1024,
			MemGCCycles:  memStats.NumGC,
		},
	}

	httpStatus := http.StatusOK
	if overallStatus != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	WriteJSON(w, httpStatus, response)
}

// checkServiceHealth runs a health check function with a timeout and returns
// a ServiceHealth struct with the status, latency, and any error.
func (s *Server) checkServiceHealth(name string, timeout time.Duration, check func(context.Context) error) ServiceHealth {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceHealth{
			Status:  "unhealthy",
			Latency: latency.String(),
			Error:   fmt.Sprintf("%s health check failed: %v", name, err),
		}
	}
	return ServiceHealth{Status: "healthy", Latency: latency.String()}
}
