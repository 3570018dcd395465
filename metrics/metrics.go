// Package metrics exposes Prometheus counters for the challenger's
// domain events and a gated /metrics endpoint, adapted from the
// teacher's core.App.MetricsHandler (IP allow-list) and
// prerouter.MetricsMiddleware (CounterVec registration style).
package metrics

import (
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/w3f/challenger/config"
	"github.com/w3f/challenger/identity"
)

// Registry bundles the challenger's domain counters. One Registry is
// built per process and passed to every component that wants to record
// an event, mirroring the teacher's pattern of a single CounterVec
// registered once at startup.
type Registry struct {
	AnnouncesTotal           *prometheus.CounterVec
	FieldsVerifiedTotal      *prometheus.CounterVec
	IdentitiesCompletedTotal *prometheus.CounterVec
	ModeratorCommandsTotal   *prometheus.CounterVec
	JudgementSubmissionTotal *prometheus.CounterVec
	AdapterMessagesTotal     *prometheus.CounterVec
	AdapterErrorsTotal       *prometheus.CounterVec
}

// New registers every counter against registerer. If registerer is nil,
// prometheus.DefaultRegisterer is used (teacher's
// MetricsMiddlewareOpts.Registry default). Panics on registration
// collision, same as the teacher's NewMetricsMiddleware — a name
// collision at startup is a programming error, not a runtime condition
// to recover from.
func New(registerer prometheus.Registerer) *Registry {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	r := &Registry{
		AnnouncesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_announces_total",
			Help: "Total identity_request announcements processed, labeled by chain.",
		}, []string{"chain"}),
		FieldsVerifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_fields_verified_total",
			Help: "Total identity fields that transitioned to verified, labeled by chain and field kind.",
		}, []string{"chain", "kind"}),
		IdentitiesCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_identities_completed_total",
			Help: "Total identities that reached fully_verified, labeled by chain.",
		}, []string{"chain"}),
		ModeratorCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_moderator_commands_total",
			Help: "Total moderator commands handled, labeled by verb and outcome.",
		}, []string{"verb", "outcome"}),
		JudgementSubmissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_judgement_submission_total",
			Help: "Total judgement submissions to a watcher, labeled by chain and result.",
		}, []string{"chain", "result"}),
		AdapterMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_adapter_messages_total",
			Help: "Total inbound messages delivered by an adapter, labeled by adapter name.",
		}, []string{"adapter"}),
		AdapterErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "challenger_adapter_errors_total",
			Help: "Total adapter errors, labeled by adapter name and apperror kind.",
		}, []string{"adapter", "kind"}),
	}

	for _, c := range []prometheus.Collector{
		r.AnnouncesTotal, r.FieldsVerifiedTotal, r.IdentitiesCompletedTotal,
		r.ModeratorCommandsTotal, r.JudgementSubmissionTotal,
		r.AdapterMessagesTotal, r.AdapterErrorsTotal,
	} {
		if err := registerer.Register(c); err != nil {
			panic("metrics: failed to register collector: " + err.Error())
		}
	}

	return r
}

// AnnounceRecorded implements verifier.Metrics.
func (r *Registry) AnnounceRecorded(chain identity.Chain) {
	r.AnnouncesTotal.WithLabelValues(string(chain)).Inc()
}

// FieldVerified implements verifier.Metrics.
func (r *Registry) FieldVerified(chain identity.Chain, kind identity.FieldKind) {
	r.FieldsVerifiedTotal.WithLabelValues(string(chain), string(kind)).Inc()
}

// IdentityCompleted implements verifier.Metrics.
func (r *Registry) IdentityCompleted(chain identity.Chain) {
	r.IdentitiesCompletedTotal.WithLabelValues(string(chain)).Inc()
}

// AdapterMessageDelivered implements verifier.Metrics.
func (r *Registry) AdapterMessageDelivered(adapter identity.FieldKind) {
	r.AdapterMessagesTotal.WithLabelValues(string(adapter)).Inc()
}

// CommandHandled implements moderator.Metrics.
func (r *Registry) CommandHandled(verb, outcome string) {
	r.ModeratorCommandsTotal.WithLabelValues(verb, outcome).Inc()
}

// SubmissionRecorded implements judgement.Metrics.
func (r *Registry) SubmissionRecorded(chain identity.Chain, result string) {
	r.JudgementSubmissionTotal.WithLabelValues(string(chain), result).Inc()
}

// Handler serves GET /metrics, gated by cfg's IP allow-list (teacher
// core.App.MetricsHandler's clientIP + CIDR check, generalized so it
// isn't tied to the teacher's *core.App).
func Handler(cfg config.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			http.NotFound(w, r)
			return
		}

		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}

		if !ipAllowed(clientIP, cfg.AllowedIPs) {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		promhttp.Handler().ServeHTTP(w, r)
	})
}

func ipAllowed(clientIP string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == clientIP {
			return true
		}
		if strings.Contains(entry, "/") {
			_, cidrNet, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if addr := net.ParseIP(clientIP); addr != nil && cidrNet.Contains(addr) {
				return true
			}
		}
	}
	return false
}
