package p2p

import (
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/synapse-ng/synapse-ng/config/params"
)

const mdnsServiceTag = "synapse-ng"

type discoveryNotifee struct {
	s *Service
}

// HandlePeerFound dials every peer mdns surfaces on the local network.
func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	s := n.s
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h == nil || info.ID == h.ID() {
		return
	}
	go func() {
		ctx, cancel := contextWithTimeout(s.ctx, params.SynapseConfig().SignalingTimeout)
		defer cancel()
		if err := h.Connect(ctx, info); err != nil {
			log.WithError(err).WithField("peer", info.ID.Pretty()).Debug("mdns dial failed")
		}
	}()
}

func (s *Service) startMDNS() error {
	svc := mdns.NewMdnsService(s.Host(), mdnsServiceTag, &discoveryNotifee{s: s})
	if err := svc.Start(); err != nil {
		return err
	}
	log.Info("Started mdns discovery")
	go func() {
		<-s.ctx.Done()
		if err := svc.Close(); err != nil {
			log.WithError(err).Debug("Could not close mdns service")
		}
	}()
	return nil
}
