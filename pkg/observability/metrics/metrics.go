package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ipset",
		Name:      "members",
		Help:      "Number of members held by each core's replica",
	}, []string{"core"})

	Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipset",
		Name:      "mutations_total",
		Help:      "Records applied on the issuing core by op and result",
	}, []string{"op", "result"})

	Propagations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "repl",
		Name:      "propagations_total",
		Help:      "Multicast submissions by op and result",
	}, []string{"op", "result"})

	MessagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "repl",
		Name:      "messages_handled_total",
		Help:      "Replication messages applied per receiving core and type",
	}, []string{"core", "type"})

	HandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "repl",
		Name:      "handler_failures_total",
		Help:      "Replication messages that stopped on a hard error per core",
	}, []string{"core"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ipset",
		Subsystem: "bus",
		Name:      "queue_depth",
		Help:      "Pending inbound messages per core",
	}, []string{"core"})

	ControlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "control",
		Name:      "requests_total",
		Help:      "Administrative requests by op and result",
	}, []string{"op", "result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipset",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ipset",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Members)
		prometheus.MustRegister(Mutations)
		prometheus.MustRegister(Propagations)
		prometheus.MustRegister(MessagesHandled)
		prometheus.MustRegister(HandlerFailures)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(ControlRequests)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}

// Result maps an error to a low-cardinality label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
