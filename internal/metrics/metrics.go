// Package metrics exposes the Prometheus counters of the ingress and relay
// paths. The /metrics listener is optional and enabled by metrics_address.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amane_messages_processed_total",
		Help: "Messages accepted on the submission port.",
	})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amane_rejections_total",
		Help: "Policy rejections by kind.",
	}, []string{"reason"})

	ListsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amane_lists_created_total",
		Help: "Mailing lists created via the seed address.",
	})

	PostsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amane_posts_relayed_total",
		Help: "Outbound messages handed to the upstream relay.",
	})

	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amane_relay_errors_total",
		Help: "Failed relay transactions.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
