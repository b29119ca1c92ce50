// Package node runs the libp2p host that carries swap messages between
// peers over GossipSub.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// Node is a klingswap libp2p node.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *config.Daemon
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	peers     *PeerStoreAdapter
	monitor   *PeerMonitor
	transport *PubSubTransport

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates the host, the DHT and GossipSub. peers may be nil, in which
// case nothing is persisted.
func New(ctx context.Context, cfg *config.Daemon, peers storage.PeerStore) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}
	if peers != nil {
		n.peers = NewPeerStoreAdapter(peers)
	}

	privKey, err := n.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.Network.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.Network.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Network.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	if cfg.Network.EnableDHT {
		if err := n.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	n.transport = NewPubSubTransport(ctx, n.pubsub, h.ID())

	if cfg.Network.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			// Local discovery is optional.
			n.log.Warn("mDNS initialization failed", "error", err)
			n.mdnsService = nil
		}
	}

	return n, nil
}

// loadOrCreateKey loads the node identity or generates and saves one.
func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := n.config.DataPath(n.config.Identity.KeyFile)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	n.log.Info("Generated new node identity", "path", keyPath)
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go n.connect(pi, 10*time.Second)
}

func (n *Node) connect(pi peer.AddrInfo, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Debug("Failed to connect to peer", "peer", shortID(pi.ID), "error", err)
	}
}

// Start loads persisted peers, dials the bootstrap peers and begins
// discovery.
func (n *Node) Start() error {
	n.startTime = time.Now()

	if n.peers != nil {
		n.monitor = NewPeerMonitor(n.host, n.peers)
		if err := n.monitor.Start(); err != nil {
			n.log.Warn("Failed to start peer monitor", "error", err)
		}
		if err := n.peers.LoadInto(n.host); err != nil {
			n.log.Warn("Failed to load persisted peers", "error", err)
		}
	}

	for _, addrStr := range n.config.Network.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			n.log.Warn("Invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("Invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
				return
			}
			n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			if n.peers != nil {
				if err := n.peers.SavePeer(pi.ID, pi.Addrs, true); err != nil {
					n.log.Debug("Failed to save bootstrap peer", "error", err)
				}
			}
		}(*pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}

	n.log.Info("Node started", "peer_id", n.host.ID(), "addrs", n.host.Addrs())
	return nil
}

// discoverPeers dials peers advertising our namespace.
func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go n.connect(pi, 10*time.Second)
			}
		}
	}
}

// Transport returns the GossipSub message transport.
func (n *Node) Transport() *PubSubTransport {
	return n.transport
}

// Stop saves the peer cache and shuts the host down.
func (n *Node) Stop() error {
	if n.peers != nil {
		if err := n.peers.SaveFrom(n.host); err != nil {
			n.log.Warn("Failed to save peer cache", "error", err)
		}
	}

	n.cancel()
	if n.monitor != nil {
		n.monitor.Stop()
	}
	n.transport.Close()
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// ConnectByAddr connects to a peer by multiaddr string.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}
	return n.host.Connect(ctx, *pi)
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
