package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// Peers seen within recentPeerWindow are redialed on start.
const (
	recentPeerWindow = 7 * 24 * time.Hour
	recentPeerLimit  = 100
)

// PeerStoreAdapter persists libp2p peers in the event store's peer table.
type PeerStoreAdapter struct {
	store storage.PeerStore
	log   *logging.Logger
}

// NewPeerStoreAdapter creates a new peer store adapter.
func NewPeerStoreAdapter(store storage.PeerStore) *PeerStoreAdapter {
	return &PeerStoreAdapter{
		store: store,
		log:   logging.GetDefault().Component("peerstore"),
	}
}

// SavePeer saves a peer's addresses.
func (a *PeerStoreAdapter) SavePeer(peerID peer.ID, addrs []multiaddr.Multiaddr, isBootstrap bool) error {
	addrStrs := make([]string, len(addrs))
	for i, addr := range addrs {
		addrStrs[i] = addr.String()
	}

	now := time.Now()
	return a.store.SavePeer(&storage.PeerRecord{
		PeerID:      peerID.String(),
		Addresses:   addrStrs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: isBootstrap,
	})
}

// MarkConnected records a successful connection.
func (a *PeerStoreAdapter) MarkConnected(peerID peer.ID) error {
	return a.store.UpdatePeerConnected(peerID.String())
}

// MarkSeen refreshes the peer's last seen time.
func (a *PeerStoreAdapter) MarkSeen(peerID peer.ID) error {
	return a.store.UpdatePeerSeen(peerID.String())
}

// LoadInto adds recently seen peers to h's peerstore.
func (a *PeerStoreAdapter) LoadInto(h host.Host) error {
	records, err := a.store.ListRecentPeers(recentPeerWindow, recentPeerLimit)
	if err != nil {
		return err
	}

	loaded := 0
	for _, record := range records {
		peerID, err := peer.Decode(record.PeerID)
		if err != nil {
			a.log.Debug("Invalid peer ID in storage", "peer", record.PeerID, "error", err)
			continue
		}
		if peerID == h.ID() {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
		for _, addrStr := range record.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}

		h.Peerstore().AddAddrs(peerID, addrs, peerstore.TempAddrTTL)
		loaded++
	}

	if loaded > 0 {
		a.log.Info("Loaded persisted peers", "count", loaded)
	}
	return nil
}

// SaveFrom writes every peer with known addresses in h's peerstore.
func (a *PeerStoreAdapter) SaveFrom(h host.Host) error {
	saved := 0
	for _, peerID := range h.Peerstore().Peers() {
		if peerID == h.ID() {
			continue
		}
		addrs := h.Peerstore().Addrs(peerID)
		if len(addrs) == 0 {
			continue
		}
		if err := a.SavePeer(peerID, addrs, false); err != nil {
			a.log.Debug("Failed to save peer", "peer", shortID(peerID), "error", err)
			continue
		}
		saved++
	}

	if saved > 0 {
		a.log.Info("Saved peer cache", "count", saved)
	}
	return nil
}
