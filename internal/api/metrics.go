// Package api: metrics.go implements a lightweight Prometheus-compatible
// /metrics endpoint exposing instance-level counters and gauges without
// requiring an external dependency on the Prometheus Go client library.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks lightweight counters for the /metrics endpoint.
type Metrics struct {
	HTTPRequestsTotal   atomic.Int64
	HTTPRequestDuration atomic.Int64 // total microseconds
	WSConnectionsTotal  atomic.Int64
	WSConnectionsCurr   atomic.Int64
	TransfersCreated    atomic.Int64
	MessagesCreated     atomic.Int64
	StartTime           time.Time
}

// GlobalMetrics is the singleton instance.
var GlobalMetrics = &Metrics{
	StartTime: time.Now(),
}

// handleMetrics exposes Prometheus-compatible metrics in text exposition
// format. Live entity counts come straight from SQLite rather than a
// separate metrics store.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := GlobalMetrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var peerCount, transferCount, documentCount, messageCount, groupCount int64
	if s.DB != nil {
		s.DB.Conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM peers`).Scan(&peerCount)
		s.DB.Conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM transfers`).Scan(&transferCount)
		s.DB.Conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM documents`).Scan(&documentCount)
		s.DB.Conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM messages`).Scan(&messageCount)
		s.DB.Conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM groups`).Scan(&groupCount)
	}
	if s.Gateway != nil {
		GlobalMetrics.WSConnectionsCurr.Store(int64(s.Gateway.ClientCount()))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP firmasign_http_requests_total Total HTTP requests served.\n")
	fmt.Fprintf(w, "# TYPE firmasign_http_requests_total counter\n")
	fmt.Fprintf(w, "firmasign_http_requests_total %d\n\n", m.HTTPRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP firmasign_http_request_duration_seconds Total time spent processing HTTP requests.\n")
	fmt.Fprintf(w, "# TYPE firmasign_http_request_duration_seconds counter\n")
	fmt.Fprintf(w, "firmasign_http_request_duration_seconds %f\n\n", float64(m.HTTPRequestDuration.Load())/1e6)

	fmt.Fprintf(w, "# HELP firmasign_websocket_connections_total Total WebSocket connections opened.\n")
	fmt.Fprintf(w, "# TYPE firmasign_websocket_connections_total counter\n")
	fmt.Fprintf(w, "firmasign_websocket_connections_total %d\n\n", m.WSConnectionsTotal.Load())

	fmt.Fprintf(w, "# HELP firmasign_websocket_connections_current Current WebSocket connections.\n")
	fmt.Fprintf(w, "# TYPE firmasign_websocket_connections_current gauge\n")
	fmt.Fprintf(w, "firmasign_websocket_connections_current %d\n\n", m.WSConnectionsCurr.Load())

	fmt.Fprintf(w, "# HELP firmasign_transfers_created_total Total transfers created.\n")
	fmt.Fprintf(w, "# TYPE firmasign_transfers_created_total counter\n")
	fmt.Fprintf(w, "firmasign_transfers_created_total %d\n\n", m.TransfersCreated.Load())

	fmt.Fprintf(w, "# HELP firmasign_messages_created_total Total messages created.\n")
	fmt.Fprintf(w, "# TYPE firmasign_messages_created_total counter\n")
	fmt.Fprintf(w, "firmasign_messages_created_total %d\n\n", m.MessagesCreated.Load())

	fmt.Fprintf(w, "# HELP firmasign_peers_total Total known peers.\n")
	fmt.Fprintf(w, "# TYPE firmasign_peers_total gauge\n")
	fmt.Fprintf(w, "firmasign_peers_total %d\n\n", peerCount)

	fmt.Fprintf(w, "# HELP firmasign_transfers_total Total transfers stored.\n")
	fmt.Fprintf(w, "# TYPE firmasign_transfers_total gauge\n")
	fmt.Fprintf(w, "firmasign_transfers_total %d\n\n", transferCount)

	fmt.Fprintf(w, "# HELP firmasign_documents_total Total documents stored.\n")
	fmt.Fprintf(w, "# TYPE firmasign_documents_total gauge\n")
	fmt.Fprintf(w, "firmasign_documents_total %d\n\n", documentCount)

	fmt.Fprintf(w, "# HELP firmasign_messages_total Total messages stored.\n")
	fmt.Fprintf(w, "# TYPE firmasign_messages_total gauge\n")
	fmt.Fprintf(w, "firmasign_messages_total %d\n\n", messageCount)

	fmt.Fprintf(w, "# HELP firmasign_groups_total Total groups.\n")
	fmt.Fprintf(w, "# TYPE firmasign_groups_total gauge\n")
	fmt.Fprintf(w, "firmasign_groups_total %d\n\n", groupCount)

	fmt.Fprintf(w, "# HELP firmasign_goroutines Current number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE firmasign_goroutines gauge\n")
	fmt.Fprintf(w, "firmasign_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP firmasign_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE firmasign_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "firmasign_memory_alloc_bytes %d\n\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP firmasign_memory_sys_bytes Total memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE firmasign_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "firmasign_memory_sys_bytes %d\n\n", mem.Sys)

	uptime := time.Since(m.StartTime).Seconds()
	fmt.Fprintf(w, "# HELP firmasign_uptime_seconds Time since server start.\n")
	fmt.Fprintf(w, "# TYPE firmasign_uptime_seconds gauge\n")
	fmt.Fprintf(w, "firmasign_uptime_seconds %f\n", uptime)
}
