package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UplinksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_uplinks_received_total",
		Help: "Total uplink frames received from the frame bus, by region",
	}, []string{"region"})

	UplinksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_uplinks_processed_total",
		Help: "Total deduplicated uplink frame-sets processed, by message type",
	}, []string{"mtype"})

	UplinkDedupCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loracore_uplink_dedup_gateways",
		Help:    "Number of gateways merged per deduplicated uplink",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})

	DownlinksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_downlinks_scheduled_total",
		Help: "Total downlink frames emitted to the frame bus, by window",
	}, []string{"window"})

	DownlinkAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_downlink_acks_total",
		Help: "Total downlink tx acknowledgements, by status",
	}, []string{"status"})

	RoamingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_roaming_requests_total",
		Help: "Total Backend Interfaces requests sent, by message type",
	}, []string{"message_type"})

	RoamingAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_roaming_api_requests_total",
		Help: "Total Backend Interfaces requests served, by message type",
	}, []string{"message_type"})

	FUOTAJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loracore_fuota_jobs_total",
		Help: "Total FUOTA deployment jobs executed, by job and result",
	}, []string{"job", "result"})

	GatewaysSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loracore_gateways_seen",
		Help: "Number of gateways that reported stats within the last interval",
	})

	SchedulerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loracore_scheduler_pass_duration_seconds",
		Help:    "Duration of one Class-B/C scheduler batch pass",
		Buckets: prometheus.DefBuckets,
	})
)
