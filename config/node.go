package config

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/replication"
	"github.com/freehandle/ledger/schema"
)

// NodeConfig is the configuration of one ledger server.
type NodeConfig struct {
	// Server is the id of this server, unique across the network and never 0
	Server uint32 `json:"server"`
	// KeyPath is the PEM file with the ed25519 key of the server
	KeyPath string `json:"keyPath"`
	// DataPath is the directory holding chain segments and replication
	// cursors. Empty keeps everything in memory.
	DataPath string `json:"dataPath"`
	// ReplicationAddress is where peers connect, e.g. ":7401". Empty disables
	// inbound replication.
	ReplicationAddress string `json:"replicationAddress"`
	// PushAddress serves websocket notifications on /events. Empty disables
	// push.
	PushAddress string `json:"pushAddress"`
	// MetricsAddress serves prometheus metrics on /metrics.
	MetricsAddress string `json:"metricsAddress"`
	Peers          []PeerConfig       `json:"peers"`
	Chains         []ChainConfig      `json:"chains"`
	Definitions    []DefinitionConfig `json:"definitions"`
	// PeerQueue bounds the blocks waiting to be sent to one peer.
	PeerQueue int `json:"peerQueue"`
	// SubscriberQueue bounds the events waiting for one push client.
	SubscriberQueue int `json:"subscriberQueue"`
	// CacheSize is the number of decoded blocks kept per chain.
	CacheSize int `json:"cacheSize"`
	// SegmentSize is the size of a storage segment, e.g. "64MB".
	SegmentSize datasize.ByteSize `json:"segmentSize"`
	// MinBackoff and MaxBackoff bound the reconnect delay in milliseconds.
	MinBackoff int `json:"minBackoff"`
	MaxBackoff int `json:"maxBackoff"`
}

type PeerConfig struct {
	Server uint32 `json:"server"`
	// Address may be empty for peers that always dial in.
	Address string `json:"address"`
	Token   string `json:"token"`
}

type ChainConfig struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Writer uint32 `json:"writer"`
}

type DefinitionConfig struct {
	Name   string        `json:"name"`
	Fields []FieldConfig `json:"fields"`
}

type FieldConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

const minSegmentSize = 4 * datasize.KB

func (c NodeConfig) Check() error {
	if c.Server == 0 {
		return fmt.Errorf("Server must be a positive id")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("KeyPath must be specified")
	}
	servers := map[uint32]bool{c.Server: true}
	for _, peer := range c.Peers {
		if peer.Server == 0 {
			return fmt.Errorf("Peers contains a peer without server id")
		}
		if servers[peer.Server] {
			return fmt.Errorf("Peers contains server %d twice or the local server", peer.Server)
		}
		servers[peer.Server] = true
		if _, err := crypto.ParseToken(peer.Token); err != nil {
			return fmt.Errorf("Peers server %d has an invalid token", peer.Server)
		}
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("Chains must contain at least one chain")
	}
	chains := make(map[uint32]bool)
	for _, chain := range c.Chains {
		if chain.ID == 0 {
			return fmt.Errorf("Chains contains a chain without id")
		}
		if chains[chain.ID] {
			return fmt.Errorf("Chains contains chain %d twice", chain.ID)
		}
		chains[chain.ID] = true
		if !servers[chain.Writer] {
			return fmt.Errorf("Chains chain %d writer %d is neither the local server nor a peer", chain.ID, chain.Writer)
		}
	}
	if len(c.Definitions) == 0 {
		return fmt.Errorf("Definitions must contain at least one definition")
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("Definitions %v", err)
	}
	if c.PeerQueue < 0 || c.SubscriberQueue < 0 || c.CacheSize < 0 {
		return fmt.Errorf("queue and cache sizes cannot be negative")
	}
	if c.SegmentSize != 0 && c.SegmentSize < minSegmentSize {
		return fmt.Errorf("SegmentSize must be at least %v", minSegmentSize.HR())
	}
	if c.MinBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff cannot be negative")
	}
	if c.MaxBackoff != 0 && c.MinBackoff > c.MaxBackoff {
		return fmt.Errorf("MinBackoff must not exceed MaxBackoff")
	}
	return nil
}

// Registry registers every configured definition in a new registry.
func (c NodeConfig) Registry() (*schema.Registry, error) {
	registry := schema.NewRegistry()
	for _, definition := range c.Definitions {
		fields := make([]schema.Field, 0, len(definition.Fields))
		for _, field := range definition.Fields {
			fieldType, err := schema.ParseType(field.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %v", definition.Name, field.Name, err)
			}
			fields = append(fields, schema.Field{Name: field.Name, Type: fieldType})
		}
		if _, err := registry.Register(definition.Name, fields...); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// ReplicationPeers converts the peers for the replication manager.
func (c NodeConfig) ReplicationPeers() []replication.Peer {
	peers := make([]replication.Peer, 0, len(c.Peers))
	for _, peer := range c.Peers {
		peers = append(peers, replication.Peer{
			Server:  peer.Server,
			Address: peer.Address,
			Token:   crypto.TokenFromString(peer.Token),
		})
	}
	return peers
}

// Backoff returns the reconnect bounds, zero meaning the replication default.
func (c NodeConfig) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.MinBackoff) * time.Millisecond, time.Duration(c.MaxBackoff) * time.Millisecond
}

// Segment returns the storage segment size in bytes, zero for the default.
func (c NodeConfig) Segment() int64 {
	return int64(c.SegmentSize.Bytes())
}
