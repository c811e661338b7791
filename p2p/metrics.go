package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	p2pPeerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_peer_count",
		Help: "The number of connected libp2p peers.",
	})
	p2pRPCFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_rpc_frames_received_total",
		Help: "The number of gossip frames received over the RPC protocol.",
	})
)

func (s *Service) updatePeerMetrics() {
	p2pPeerCount.Set(float64(len(s.status.ConnectedPeers())))
}
