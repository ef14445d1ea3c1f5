// Package discovery remembers identities learned from announces so a
// destination hash can later be turned back into the public key needed to
// encrypt to it or verify its proofs.
package discovery

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

var (
	ErrNotFound = errors.New("discovery: destination not known")
)

// Known is what an announce teaches about a destination.
type Known struct {
	Destination identity.Hash
	Identity    *identity.Identity
	AppData     []byte
	Hops        uint8
	SeenAt      time.Time
}

// Resolver stores and recalls announced identities.
// Implementations may be process-local or shared between nodes.
type Resolver interface {
	Remember(k Known) error
	Recall(destination identity.Hash) (Known, error)
	List() ([]Known, error)
}

// Clone returns a copy that shares no mutable memory with k.
func (k Known) Clone() Known {
	k.AppData = append([]byte(nil), k.AppData...)
	return k
}

type record struct {
	Destination string    `json:"destination"`
	PublicKey   []byte    `json:"public_key"`
	AppData     []byte    `json:"app_data,omitempty"`
	Hops        uint8     `json:"hops"`
	SeenAt      time.Time `json:"seen_at"`
}

// Marshal encodes k for stores that keep bytes.
func Marshal(k Known) ([]byte, error) {
	if k.Identity == nil {
		return nil, errors.New("discovery: known entry has no identity")
	}
	return json.Marshal(record{
		Destination: k.Destination.String(),
		PublicKey:   k.Identity.PublicKey(),
		AppData:     k.AppData,
		Hops:        k.Hops,
		SeenAt:      k.SeenAt.UTC(),
	})
}

// Unmarshal reverses Marshal.
func Unmarshal(b []byte) (Known, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return Known{}, err
	}
	dest, err := identity.ParseHash(r.Destination)
	if err != nil {
		return Known{}, err
	}
	id, err := identity.FromPublicKey(r.PublicKey)
	if err != nil {
		return Known{}, err
	}
	return Known{Destination: dest, Identity: id, AppData: r.AppData, Hops: r.Hops, SeenAt: r.SeenAt}, nil
}
