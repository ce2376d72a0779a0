package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	TotalDisconnects  atomic.Int64 // sessions terminated for any reason

	// Auth counters
	SuccessfulAuths atomic.Int64 // logins that matched a stored hash
	FailedAuths     atomic.Int64 // wrong username or password
	Registrations   atomic.Int64 // accounts created
	RejectedLogins  atomic.Int64 // refused by the single-session policy

	// Chat counters
	ChatMessagesSent  atomic.Int64 // chat lines persisted and relayed
	BroadcastLines    atomic.Int64 // lines enqueued to recipients
	BroadcastsDropped atomic.Int64 // lines dropped on a full recipient queue
	StorageErrors     atomic.Int64 // store failures that closed a session
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`
	Registrations   int64 `json:"registrations"`
	RejectedLogins  int64 `json:"rejected_logins"`

	ChatMessagesSent  int64 `json:"chat_messages_sent"`
	BroadcastLines    int64 `json:"broadcast_lines"`
	BroadcastsDropped int64 `json:"broadcasts_dropped"`
	StorageErrors     int64 `json:"storage_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		Registrations:     m.Registrations.Load(),
		RejectedLogins:    m.RejectedLogins.Load(),
		ChatMessagesSent:  m.ChatMessagesSent.Load(),
		BroadcastLines:    m.BroadcastLines.Load(),
		BroadcastsDropped: m.BroadcastsDropped.Load(),
		StorageErrors:     m.StorageErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"auth_ok", s.SuccessfulAuths,
		"auth_failed", s.FailedAuths,
		"chat_msgs", s.ChatMessagesSent,
		"broadcasts_dropped", s.BroadcastsDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// Collectors exposes the counters as Prometheus collectors that read the
// atomics at scrape time. sessions reports the live registry size.
func (m *Metrics) Collectors(sessions func() int) []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "linechat",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "linechat",
			Name:      name,
			Help:      help,
		}, fn)
	}

	return []prometheus.Collector{
		gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("connections_active", "Current open client connections.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		gauge("sessions", "Sessions currently in the registry.", func() float64 {
			return float64(sessions())
		}),
		counter("connections_total", "Lifetime TCP connections accepted.", &m.TotalConnections),
		counter("disconnects_total", "Total client disconnects.", &m.TotalDisconnects),
		counter("auth_success_total", "Successful logins.", &m.SuccessfulAuths),
		counter("auth_failed_total", "Failed login attempts.", &m.FailedAuths),
		counter("registrations_total", "Accounts created.", &m.Registrations),
		counter("logins_rejected_total", "Logins refused because the user already had a live session.", &m.RejectedLogins),
		counter("chat_messages_total", "Chat messages persisted and relayed.", &m.ChatMessagesSent),
		counter("broadcast_lines_total", "Lines enqueued to recipient sessions.", &m.BroadcastLines),
		counter("broadcast_dropped_total", "Lines dropped because a recipient queue was full.", &m.BroadcastsDropped),
		counter("storage_errors_total", "Storage failures that closed a session.", &m.StorageErrors),
	}
}
