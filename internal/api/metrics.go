package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/printwatch/internal/dispatch"
	"github.com/nerrad567/printwatch/internal/errorlookup"
	"github.com/nerrad567/printwatch/internal/supervisor"
)

// MetricsSources are the optional counters shown on the metrics endpoint.
// *dispatch.Dispatcher, *errorlookup.Service, *database.DB and *mqtt.Dialer
// satisfy them.
type MetricsSources struct {
	Dispatch interface{ Stats() dispatch.Stats }
	Lookup   interface{ Stats() errorlookup.Stats }
	Database interface{ Stats() sql.DBStats }
	MQTT     interface{ TotalSubscriptions() int }
}

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	WebSocket     WSMetrics          `json:"websocket"`
	Printers      supervisor.Stats   `json:"printers"`
	Dispatch      *dispatch.Stats    `json:"dispatch,omitempty"`
	Lookup        *errorlookup.Stats `json:"lookup,omitempty"`
	Database      *DatabaseMetrics   `json:"database,omitempty"`
	MQTT          *MQTTMetrics       `json:"mqtt,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics counts live report subscriptions across all printer
// connections. After a restart it should equal the number of connected
// printers.
type MQTTMetrics struct {
	Subscriptions int `json:"subscriptions"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns process, fleet and pipeline counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Printers:  s.fleet.Stats(),
	}

	if src := s.metrics.Dispatch; src != nil {
		st := src.Stats()
		metrics.Dispatch = &st
	}
	if src := s.metrics.Lookup; src != nil {
		st := src.Stats()
		metrics.Lookup = &st
	}
	if src := s.metrics.Database; src != nil {
		st := src.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	if src := s.metrics.MQTT; src != nil {
		metrics.MQTT = &MQTTMetrics{Subscriptions: src.TotalSubscriptions()}
	}

	writeJSON(w, http.StatusOK, metrics)
}
