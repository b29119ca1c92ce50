package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// PeerMonitor records peer connections in the peer store as they happen.
type PeerMonitor struct {
	host  host.Host
	peers *PeerStoreAdapter
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeerMonitor creates a new peer monitor.
func NewPeerMonitor(h host.Host, peers *PeerStoreAdapter) *PeerMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerMonitor{
		host:   h,
		peers:  peers,
		log:    logging.GetDefault().Component("peer-monitor"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start subscribes to connectedness events.
func (m *PeerMonitor) Start() error {
	sub, err := m.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		close(m.done)
		return err
	}
	go m.run(sub)
	return nil
}

// Stop ends the monitor and waits for it to exit.
func (m *PeerMonitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *PeerMonitor) run(sub event.Subscription) {
	defer close(m.done)
	defer sub.Close()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			e, ok := ev.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}
			m.handle(e)
		}
	}
}

func (m *PeerMonitor) handle(e event.EvtPeerConnectednessChanged) {
	switch e.Connectedness {
	case network.Connected:
		m.peerConnected(e.Peer)
	case network.NotConnected:
		if err := m.peers.MarkSeen(e.Peer); err != nil {
			m.log.Debug("Failed to update peer", "peer", shortID(e.Peer), "error", err)
		}
	}
}

func (m *PeerMonitor) peerConnected(peerID peer.ID) {
	addrs := m.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}
	if err := m.peers.SavePeer(peerID, addrs, false); err != nil {
		m.log.Debug("Failed to save connected peer", "peer", shortID(peerID), "error", err)
		return
	}
	if err := m.peers.MarkConnected(peerID); err != nil {
		m.log.Debug("Failed to mark peer connected", "peer", shortID(peerID), "error", err)
	}
}
