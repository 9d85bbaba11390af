// Package statenet is the node-to-network metadata collaborator (spec
// §6): each node publishes a key/value record on the overlay (at least
// job_port), and peers resolve an address by combining the overlay's
// connection_from_node(node_id) with that node's advertised job_port.
// The overlay network itself (discovery, DHT) is out of scope per spec
// §1; this package gives the Directory interface a real libp2p-backed
// implementation so the rest of the system has something to run
// against, grounded on the teacher's libp2p_node.go/network_adapter.go
// host setup and pkg/api/node.go's NetworkManager interface shape.
package statenet

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Directory is the node-to-network metadata interface (spec §6).
type Directory interface {
	// PublishJobPort advertises this node's job_port record.
	PublishJobPort(port int) error
	// ConnectionFromNode resolves nodeID to a dialable "host:port"
	// address (IP from the overlay's connection_from_node, port from
	// that node's advertised job_port).
	ConnectionFromNode(nodeID string) (string, error)
	// ReadData reads an arbitrary per-peer key from the overlay's
	// key/value record for nodeID.
	ReadData(nodeID, key string) (string, error)
}

// StaticDirectory is a fixed node_id -> "host:port" map, used for
// single-process / test topologies and local-mode runs (mirrors the
// teacher's "--local" flag path in main.go, which skips the overlay
// entirely).
type StaticDirectory struct {
	mu    sync.RWMutex
	addrs map[string]string
	data  map[string]map[string]string
}

// NewStaticDirectory builds a Directory backed by a fixed map.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{addrs: make(map[string]string), data: make(map[string]map[string]string)}
}

// Set registers nodeID's address for later resolution; used by tests
// and local-mode bootstrapping.
func (d *StaticDirectory) Set(nodeID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[nodeID] = addr
}

func (d *StaticDirectory) PublishJobPort(int) error { return nil }

func (d *StaticDirectory) ConnectionFromNode(nodeID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[nodeID]
	if !ok {
		return "", fmt.Errorf("statenet: no known address for node %s", nodeID)
	}
	return addr, nil
}

func (d *StaticDirectory) ReadData(nodeID, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.data[nodeID]
	if !ok {
		return "", fmt.Errorf("statenet: no record for node %s", nodeID)
	}
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("statenet: node %s has no key %q", nodeID, key)
	}
	return v, nil
}

// LibP2PDirectory backs Directory with a libp2p host plus a Kademlia DHT
// for peer discovery, mirroring the teacher's libp2p_node.go host
// bootstrap and network_adapter.go peer resolution. job_port values and
// other per-peer records live in maps local to this process:
// PublishJobPort fills only this node's own entry, nothing fills
// records, and neither map is exchanged with peers.
type LibP2PDirectory struct {
	host host.Host
	dht  *dht.IpfsDHT

	mu       sync.RWMutex
	jobPorts map[string]int // peer.ID.String() -> job_port
	records  map[string]map[string]string
}

// NewLibP2PDirectory starts a libp2p host listening on listenAddr and
// joins the Kademlia DHT using bootstrapPeers, mirroring the teacher's
// libp2p bootstrap sequence in libp2p_node.go.
func NewLibP2PDirectory(ctx context.Context, listenAddr string, bootstrapPeers []string) (*LibP2PDirectory, error) {
	maddr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("statenet: parse listen addr: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(maddr))
	if err != nil {
		return nil, fmt.Errorf("statenet: create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("statenet: create kademlia dht: %w", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("statenet: bootstrap dht: %w", err)
	}

	d := &LibP2PDirectory{
		host:     h,
		dht:      kad,
		jobPorts: make(map[string]int),
		records:  make(map[string]map[string]string),
	}

	for _, addr := range bootstrapPeers {
		bmaddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(bmaddr)
		if err != nil {
			continue
		}
		_ = h.Connect(ctx, *pi)
	}

	return d, nil
}

// PublishJobPort records port as this node's job_port in the local
// jobPorts map. It does not send the value to peers or store it in the
// DHT.
func (d *LibP2PDirectory) PublishJobPort(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobPorts[d.host.ID().String()] = port
	return nil
}

// ConnectionFromNode resolves nodeID (a libp2p peer id string) to a
// dialable address by combining the IP of the first address the libp2p
// peerstore holds for that peer with its entry in the local jobPorts
// map. Only this node's own port is ever recorded there, so any other
// peer fails with a "has not published a job_port" error.
func (d *LibP2PDirectory) ConnectionFromNode(nodeID string) (string, error) {
	pid, err := peer.Decode(nodeID)
	if err != nil {
		return "", fmt.Errorf("statenet: decode peer id %s: %w", nodeID, err)
	}

	info := d.host.Peerstore().PeerInfo(pid)
	if len(info.Addrs) == 0 {
		return "", fmt.Errorf("statenet: no known address for peer %s", nodeID)
	}

	ip, err := extractIP(info.Addrs[0])
	if err != nil {
		return "", fmt.Errorf("statenet: extract ip for peer %s: %w", nodeID, err)
	}

	d.mu.RLock()
	port, ok := d.jobPorts[nodeID]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("statenet: peer %s has not published a job_port", nodeID)
	}

	return fmt.Sprintf("%s:%d", ip, port), nil
}

// ReadData returns a key from the local records map. Nothing in this
// type writes that map, so every lookup returns an error.
func (d *LibP2PDirectory) ReadData(nodeID, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[nodeID]
	if !ok {
		return "", fmt.Errorf("statenet: no record for peer %s", nodeID)
	}
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("statenet: peer %s has no key %q", nodeID, key)
	}
	return v, nil
}

// Close shuts down the DHT and libp2p host.
func (d *LibP2PDirectory) Close() error {
	if err := d.dht.Close(); err != nil {
		return err
	}
	return d.host.Close()
}

func extractIP(addr multiaddr.Multiaddr) (string, error) {
	v, err := addr.ValueForProtocol(multiaddr.P_IP4)
	if err == nil {
		return v, nil
	}
	v, err = addr.ValueForProtocol(multiaddr.P_IP6)
	if err == nil {
		return v, nil
	}
	return "", fmt.Errorf("no ip4/ip6 component in %s", addr)
}
