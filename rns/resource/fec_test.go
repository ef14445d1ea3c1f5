package resource

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func TestEncoderCollectorRecoversFromLoss(t *testing.T) {
	payload := make([]byte, 3000)
	_, _ = rand.Read(payload)

	data, parity, err := Plan(len(payload), 400, 0.5)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if data != 8 || parity != 4 {
		t.Fatalf("unexpected plan %d+%d", data, parity)
	}
	enc, err := NewEncoder(data, parity)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	shards, err := enc.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != enc.TotalShards() {
		t.Fatalf("expected %d shards, got %d", enc.TotalShards(), len(shards))
	}

	c := NewCollector(16, time.Minute)
	lost := map[int]bool{0: true, 3: true, 7: true, 11: true}
	var got []byte
	completions := 0
	for i, s := range shards {
		if lost[i] {
			continue
		}
		decoded, err := DecodeShard(s.Encode())
		if err != nil {
			t.Fatalf("DecodeShard: %v", err)
		}
		out, done, err := c.Add(decoded)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if done {
			completions++
			got = out
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestCollectorKeepsSetsApart(t *testing.T) {
	enc, _ := NewEncoder(2, 1)
	a, _ := enc.Encode([]byte("first payload!"))
	b, _ := enc.Encode([]byte("second payload"))

	c := NewCollector(4, time.Minute)
	if _, done, _ := c.Add(a[0]); done {
		t.Fatalf("one shard cannot complete a 2+1 set")
	}
	if _, done, _ := c.Add(b[2]); done {
		t.Fatalf("one shard cannot complete a 2+1 set")
	}
	out, done, err := c.Add(a[2])
	if err != nil || !done || string(out) != "first payload!" {
		t.Fatalf("unexpected first result %q %v %v", out, done, err)
	}
	out, done, err = c.Add(b[1])
	if err != nil || !done || string(out) != "second payload" {
		t.Fatalf("unexpected second result %q %v %v", out, done, err)
	}

	bad := a[1]
	bad.ID = 99
	bad2 := a[0]
	bad2.ID = 99
	bad2.Size++
	_, _, _ = c.Add(bad)
	if _, _, err := c.Add(bad2); !errors.Is(err, ErrShardMismatch) {
		t.Fatalf("expected ErrShardMismatch, got %v", err)
	}
}

func TestPlanAndConfigLimits(t *testing.T) {
	if _, _, err := Plan(400*300, 400, 0.1); !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("expected ErrPayloadTooLong, got %v", err)
	}
	if _, _, err := Plan(0, 400, 0.1); err != ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewEncoder(200, 57); err != ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig for 257 shards")
	}
	if _, err := DecodeShard(make([]byte, ShardHeaderSize)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
