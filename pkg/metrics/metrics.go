// Package metrics keeps in-process counters for the gateway: per-endpoint
// latency and status, policy decision totals by action and reason, and
// notification delivery attempts. Exposed as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                  sync.RWMutex
	endpoint            map[string]*EndpointStat
	decision            map[string]int64
	reason              map[string]int64
	notifyAttempts      int64
	notifyFailures      int64
	eventPublishErrors  int64
	auditAppendFailures int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Decisions           map[string]int64        `json:"decisions"`
	DenyReasons         map[string]int64        `json:"deny_reasons"`
	NotifyAttempts      int64                   `json:"notify_attempts_total"`
	NotifyFailures      int64                   `json:"notify_failures_total"`
	EventPublishErrors  int64                   `json:"event_publish_errors_total"`
	AuditAppendFailures int64                   `json:"audit_append_failures_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		decision: map[string]int64{},
		reason:   map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts one policy outcome, keyed "action|ALLOW" / "action|DENY".
func (r *Registry) IncDecision(action, decision string) {
	if action == "" || decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[action+"|"+decision]++
	r.mu.Unlock()
}

func (r *Registry) IncDenyReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncNotifyAttempt(failed bool) {
	r.mu.Lock()
	r.notifyAttempts++
	if failed {
		r.notifyFailures++
	}
	r.mu.Unlock()
}

func (r *Registry) IncEventPublishError() {
	r.mu.Lock()
	r.eventPublishErrors++
	r.mu.Unlock()
}

func (r *Registry) IncAuditAppendFailure() {
	r.mu.Lock()
	r.auditAppendFailures++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:           make(map[string]int64, len(r.decision)),
		DenyReasons:         make(map[string]int64, len(r.reason)),
		NotifyAttempts:      r.notifyAttempts,
		NotifyFailures:      r.notifyFailures,
		EventPublishErrors:  r.eventPublishErrors,
		AuditAppendFailures: r.auditAppendFailures,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		snap.Decisions[k] = v
	}
	for k, v := range r.reason {
		snap.DenyReasons[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}

// PrometheusHandler renders the counters in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		var b strings.Builder
		b.WriteString("# TYPE medgate_http_requests_total counter\n")
		for _, path := range sortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[path]
			fmt.Fprintf(&b, "medgate_http_requests_total{path=%q} %d\n", path, stat.Count)
			fmt.Fprintf(&b, "medgate_http_request_errors_total{path=%q} %d\n", path, stat.ErrorCount)
		}
		b.WriteString("# TYPE medgate_policy_decisions_total counter\n")
		for _, key := range sortedKeys(snap.Decisions) {
			parts := strings.SplitN(key, "|", 2)
			action, decision := parts[0], ""
			if len(parts) == 2 {
				decision = parts[1]
			}
			fmt.Fprintf(&b, "medgate_policy_decisions_total{action=%q,decision=%q} %d\n", action, decision, snap.Decisions[key])
		}
		b.WriteString("# TYPE medgate_policy_deny_reasons_total counter\n")
		for _, reason := range sortedKeys(snap.DenyReasons) {
			fmt.Fprintf(&b, "medgate_policy_deny_reasons_total{reason=%q} %d\n", reason, snap.DenyReasons[reason])
		}
		fmt.Fprintf(&b, "# TYPE medgate_notify_attempts_total counter\nmedgate_notify_attempts_total %d\n", snap.NotifyAttempts)
		fmt.Fprintf(&b, "medgate_notify_failures_total %d\n", snap.NotifyFailures)
		fmt.Fprintf(&b, "medgate_event_publish_errors_total %d\n", snap.EventPublishErrors)
		fmt.Fprintf(&b, "medgate_audit_append_failures_total %d\n", snap.AuditAppendFailures)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
