package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency          = metric.NewHistogram("1m1s")
	SpfRunLatency            = metric.NewHistogram("1m1s")
	DecisionUpdatesPublished = metric.NewCounter("1m1s")
	UnicastRoutesProgrammed  = metric.NewCounter("1m1s")
	UnicastRoutesDeleted     = metric.NewCounter("1m1s")
	MplsRoutesProgrammed     = metric.NewCounter("1m1s")
	MplsRoutesDeleted        = metric.NewCounter("1m1s")
	FibSyncs                 = metric.NewCounter("10m10s")
	FibSyncFailures          = metric.NewCounter("10m10s")
	KeepAliveFailures        = metric.NewCounter("10m10s")
	KvKeysAdvertised         = metric.NewCounter("1m1s")
	KvTtlRefreshes           = metric.NewCounter("1m1s")
	KvAdvertiseFailures      = metric.NewCounter("10m10s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("fabricd:SpfRunLatency (µs)", SpfRunLatency)
	expvar.Publish("fabricd:DecisionUpdates/s", DecisionUpdatesPublished)
	expvar.Publish("fabricd:UnicastProgrammed/s", UnicastRoutesProgrammed)
	expvar.Publish("fabricd:UnicastDeleted/s", UnicastRoutesDeleted)
	expvar.Publish("fabricd:MplsProgrammed/s", MplsRoutesProgrammed)
	expvar.Publish("fabricd:MplsDeleted/s", MplsRoutesDeleted)
	expvar.Publish("fabricd:FibSyncs", FibSyncs)
	expvar.Publish("fabricd:FibSyncFailures", FibSyncFailures)
	expvar.Publish("fabricd:KeepAliveFailures", KeepAliveFailures)
	expvar.Publish("fabricd:KvKeysAdvertised/s", KvKeysAdvertised)
	expvar.Publish("fabricd:KvTtlRefreshes/s", KvTtlRefreshes)
	expvar.Publish("fabricd:KvAdvertiseFailures", KvAdvertiseFailures)
	expvar.Publish("fabricd:DispatchLatency (µs)", DispatchLatency)
}
