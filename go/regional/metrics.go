package regional

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	telemetryFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcnet_regional_telemetry_folded_total",
		Help: "Telemetry records folded into the document store.",
	})

	summariesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcnet_regional_summaries_total",
		Help: "RegionalSummary messages published.",
	})

	liveNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arcnet_regional_live_nodes",
		Help: "Live nodes observed by the last summary pass, by geozone.",
	}, []string{"geozone"})
)
