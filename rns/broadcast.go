package rns

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/crypto"
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/packet"
	"github.com/joshuafuller/Reticulum/rns/resource"
)

const (
	// BroadcastShardSize is the payload of one broadcast shard after group
	// encryption and the shard header.
	BroadcastShardSize = packet.MDU - crypto.AEADOverhead - resource.ShardHeaderSize
	// DefaultRedundancy adds parity shards worth half the data shards.
	DefaultRedundancy = 0.5

	collectorPending = 64
	collectorTTL     = 2 * time.Minute
)

var ErrNotBroadcast = errors.New("rns: broadcasts use group or plain destinations")

// Broadcast sends payload to every listener of a group or plain
// destination. The payload is split into Reed-Solomon shards so receivers
// recover it from any sufficient subset; nothing is acknowledged.
func (n *Node) Broadcast(d *destination.Destination, payload []byte, redundancy float64) error {
	if d.Type() != packet.Group && d.Type() != packet.Plain {
		return ErrNotBroadcast
	}
	if redundancy <= 0 {
		redundancy = DefaultRedundancy
	}
	data, parity, err := resource.Plan(len(payload), BroadcastShardSize, redundancy)
	if err != nil {
		return err
	}
	enc, err := resource.NewEncoder(data, parity)
	if err != nil {
		return err
	}
	shards, err := enc.Encode(payload)
	if err != nil {
		return err
	}

	var sendErr error
	sent := 0
	for _, s := range shards {
		if _, err := n.tr.Send(d, s.Encode()); err != nil {
			sendErr = multierr.Append(sendErr, err)
			continue
		}
		sent++
	}
	if sent < data {
		return fmt.Errorf("rns: broadcast sent %d of %d shards: %w", sent, len(shards), sendErr)
	}
	return nil
}

// ListenBroadcast collects shards arriving at d and calls fn with each
// recovered payload. It replaces d's packet handler.
func (n *Node) ListenBroadcast(d *destination.Destination, fn func(payload []byte)) error {
	if d.Type() != packet.Group && d.Type() != packet.Plain {
		return ErrNotBroadcast
	}
	n.bmu.Lock()
	c, ok := n.collectors[d.Hash()]
	if !ok {
		c = resource.NewCollector(collectorPending, collectorTTL)
		n.collectors[d.Hash()] = c
	}
	n.bmu.Unlock()

	d.SetPacketHandler(func(data []byte, _ *packet.Packet) {
		s, err := resource.DecodeShard(data)
		if err != nil {
			n.log.Debug("broadcast shard dropped", zap.Stringer("destination", d.Hash()), zap.Error(err))
			return
		}
		payload, done, err := c.Add(s)
		if err != nil {
			n.log.Debug("broadcast shard rejected", zap.Stringer("destination", d.Hash()), zap.Error(err))
			return
		}
		if done {
			fn(payload)
		}
	})
	return nil
}
