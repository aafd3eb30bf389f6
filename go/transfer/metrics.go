package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transferRPCs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcnet_transfer_rpcs_total",
	Help: "Transfer service RPCs, by call and outcome.",
}, []string{"rpc", "status"})

func countRPC(rpc string, err error) {
	var status = "ok"
	if err != nil {
		status = "error"
	}
	transferRPCs.WithLabelValues(rpc, status).Inc()
}
