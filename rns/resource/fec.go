package resource

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/reedsolomon"
)

const (
	// MaxShards is the largest data+parity count a shard header can express.
	MaxShards = 256
	// ShardHeaderSize is id(8) index(1) data(1) parity(1) size(4).
	ShardHeaderSize = 8 + 1 + 1 + 1 + 4
)

var (
	ErrInvalidConfig  = errors.New("resource: invalid data/parity configuration")
	ErrShardMismatch  = errors.New("resource: shard does not match its set")
	ErrTooManyLost    = errors.New("resource: too many shards lost, cannot recover")
	ErrPayloadTooLong = errors.New("resource: payload needs more than MaxShards shards")
)

// Shard is one Reed-Solomon shard of a broadcast payload.
type Shard struct {
	ID           uint64
	Index        uint8
	DataShards   uint8
	ParityShards uint8
	Size         uint32
	Data         []byte
}

func (s Shard) Encode() []byte {
	b := make([]byte, ShardHeaderSize+len(s.Data))
	binary.BigEndian.PutUint64(b, s.ID)
	b[8], b[9], b[10] = s.Index, s.DataShards, s.ParityShards
	binary.BigEndian.PutUint32(b[11:], s.Size)
	copy(b[ShardHeaderSize:], s.Data)
	return b
}

func DecodeShard(b []byte) (Shard, error) {
	if len(b) <= ShardHeaderSize {
		return Shard{}, fmt.Errorf("%w: shard is %d bytes", ErrMalformed, len(b))
	}
	s := Shard{
		ID:           binary.BigEndian.Uint64(b),
		Index:        b[8],
		DataShards:   b[9],
		ParityShards: b[10],
		Size:         binary.BigEndian.Uint32(b[11:]),
		Data:         append([]byte(nil), b[ShardHeaderSize:]...),
	}
	if s.DataShards == 0 || s.ParityShards == 0 || int(s.Index) >= int(s.DataShards)+int(s.ParityShards) {
		return Shard{}, fmt.Errorf("%w: shard %d of %d+%d", ErrMalformed, s.Index, s.DataShards, s.ParityShards)
	}
	return s, nil
}

// Plan picks data and parity shard counts for a payload so that every shard
// carries at most shardData bytes and roughly redundancy*data parity shards
// are added (at least one).
func Plan(size, shardData int, redundancy float64) (int, int, error) {
	if size <= 0 || shardData <= 0 || redundancy < 0 {
		return 0, 0, ErrInvalidConfig
	}
	data := (size + shardData - 1) / shardData
	parity := int(math.Ceil(float64(data) * redundancy))
	if parity < 1 {
		parity = 1
	}
	if data+parity > MaxShards {
		return 0, 0, fmt.Errorf("%w: %d+%d", ErrPayloadTooLong, data, parity)
	}
	return data, parity, nil
}

// Encoder splits payloads into data and parity shards.
type Encoder struct {
	enc    reedsolomon.Encoder
	data   int
	parity int
}

func NewEncoder(dataShards, parityShards int) (*Encoder, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > MaxShards {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Encoder{enc: enc, data: dataShards, parity: parityShards}, nil
}

func (e *Encoder) TotalShards() int { return e.data + e.parity }

// Encode returns all data and parity shards of payload under a fresh id.
func (e *Encoder) Encode(payload []byte) ([]Shard, error) {
	if len(payload) == 0 {
		return nil, ErrEmpty
	}
	shards, err := e.enc.Split(payload)
	if err != nil {
		return nil, err
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, err
	}
	var idb [8]byte
	if _, err := rand.Read(idb[:]); err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint64(idb[:])

	out := make([]Shard, len(shards))
	for i, s := range shards {
		out[i] = Shard{
			ID:           id,
			Index:        uint8(i),
			DataShards:   uint8(e.data),
			ParityShards: uint8(e.parity),
			Size:         uint32(len(payload)),
			Data:         s,
		}
	}
	return out, nil
}

type shardSet struct {
	first  Shard
	shards [][]byte
	count  int
}

// Collector gathers shards from possibly many concurrent broadcasts and
// returns each payload once enough shards have arrived. Incomplete sets are
// forgotten after ttl.
type Collector struct {
	mu      sync.Mutex
	pending *expirable.LRU[uint64, *shardSet]
	done    *expirable.LRU[uint64, struct{}]
}

func NewCollector(maxPending int, ttl time.Duration) *Collector {
	return &Collector{
		pending: expirable.NewLRU[uint64, *shardSet](maxPending, nil, ttl),
		done:    expirable.NewLRU[uint64, struct{}](maxPending*4, nil, ttl),
	}
}

// Add stores s. It returns the payload exactly once, when the set first
// becomes recoverable.
func (c *Collector) Add(s Shard) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done.Contains(s.ID) {
		return nil, false, nil
	}
	set, ok := c.pending.Get(s.ID)
	if !ok {
		set = &shardSet{first: s, shards: make([][]byte, int(s.DataShards)+int(s.ParityShards))}
		c.pending.Add(s.ID, set)
	}
	f := set.first
	if s.DataShards != f.DataShards || s.ParityShards != f.ParityShards || s.Size != f.Size || len(s.Data) != len(f.Data) {
		return nil, false, ErrShardMismatch
	}
	if set.shards[s.Index] == nil {
		set.shards[s.Index] = s.Data
		set.count++
	}
	if set.count < int(f.DataShards) {
		return nil, false, nil
	}

	payload, err := reconstruct(set)
	c.pending.Remove(s.ID)
	c.done.Add(s.ID, struct{}{})
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func reconstruct(set *shardSet) ([]byte, error) {
	f := set.first
	enc, err := reedsolomon.New(int(f.DataShards), int(f.ParityShards))
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(set.shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}
	out := make([]byte, 0, f.Size)
	for i := 0; i < int(f.DataShards) && uint32(len(out)) < f.Size; i++ {
		remaining := int(f.Size) - len(out)
		if remaining >= len(set.shards[i]) {
			out = append(out, set.shards[i]...)
		} else {
			out = append(out, set.shards[i][:remaining]...)
		}
	}
	if uint32(len(out)) != f.Size {
		return nil, fmt.Errorf("%w: recovered %d of %d bytes", ErrIntegrity, len(out), f.Size)
	}
	return out, nil
}
