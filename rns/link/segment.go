package link

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/packet"
	"github.com/joshuafuller/Reticulum/rns/resource"
)

// Send queues data for ordered, reliable delivery.
func (l *Link) Send(data []byte) error {
	if len(data) > MDU {
		return ErrTooLarge
	}
	fx := &effects{}
	l.mu.Lock()
	if err := l.activeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if len(l.backlog) >= l.cfg.MaxBacklog {
		l.mu.Unlock()
		return ErrBacklogFull
	}
	l.enqueue(fx, kindData, data)
	l.mu.Unlock()
	l.flush(fx)
	return nil
}

// SendResource transfers a payload of up to resource.MaxSize bytes. It is
// compressed when that helps, split into segments and verified by the
// receiver against a Merkle root.
func (l *Link) SendResource(data []byte) error {
	out, err := resource.NewOutgoing(data, ResourcePartSize)
	if err != nil {
		return err
	}
	adv := out.Advertisement()
	fx := &effects{}
	l.mu.Lock()
	if err := l.activeLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.enqueue(fx, kindResourceAdv, adv.Encode())
	for i := 0; i < out.Parts(); i++ {
		l.enqueue(fx, kindResourcePart, out.Part(i))
	}
	l.mu.Unlock()
	l.flush(fx)
	l.log.Debug("resource queued", zap.Stringer("resource", adv.ID), zap.Uint32("size", adv.Size), zap.Uint32("parts", adv.Parts), zap.Bool("compressed", adv.Compressed))
	return nil
}

func (l *Link) enqueue(fx *effects, kind segKind, data []byte) {
	pt := make([]byte, segmentHeaderSize+len(data))
	binary.BigEndian.PutUint32(pt, l.nextSeq)
	pt[4] = byte(kind)
	copy(pt[segmentHeaderSize:], data)
	l.backlog = append(l.backlog, &segment{seq: l.nextSeq, plaintext: pt})
	l.nextSeq++
	l.pump(fx)
}

// pump moves queued segments into flight while the window allows.
func (l *Link) pump(fx *effects) {
	if l.state != StateActive {
		return
	}
	for len(l.inflight) < l.cfg.Window && len(l.backlog) > 0 {
		seg := l.backlog[0]
		l.backlog = l.backlog[1:]
		l.inflight[seg.seq] = seg
		l.transmit(fx, seg)
	}
}

// transmit seals the segment again on every attempt so each copy uses a
// fresh ratchet key.
func (l *Link) transmit(fx *effects, seg *segment) {
	seg.sentAt = l.clock.Now()
	seg.tries++
	l.emit(fx, packet.ContextSegment, seg.plaintext)
}

func (l *Link) handleAck(fx *effects, plaintext []byte) error {
	if len(plaintext) != 4 {
		return ErrUnexpected
	}
	seq := binary.BigEndian.Uint32(plaintext)
	seg, ok := l.inflight[seq]
	if !ok {
		return nil
	}
	delete(l.inflight, seq)
	if seg.tries == 1 {
		sample := l.clock.Since(seg.sentAt)
		l.rtt = (7*l.rtt + sample) / 8
	}
	l.pump(fx)
	return nil
}

func (l *Link) handleSegment(fx *effects, plaintext []byte) error {
	if len(plaintext) < segmentHeaderSize {
		return ErrUnexpected
	}
	seq := binary.BigEndian.Uint32(plaintext)
	ahead := int32(seq - l.recvNext)
	if ahead >= int32(4*l.cfg.Window) {
		return nil
	}

	var ack [4]byte
	binary.BigEndian.PutUint32(ack[:], seq)
	l.emit(fx, packet.ContextSegmentAck, ack[:])
	if ahead < 0 {
		return nil
	}
	if _, dup := l.recvBuf[seq]; !dup {
		l.recvBuf[seq] = append([]byte(nil), plaintext[4:]...)
	}
	for {
		b, ok := l.recvBuf[l.recvNext]
		if !ok {
			return nil
		}
		delete(l.recvBuf, l.recvNext)
		l.recvNext++
		l.deliver(fx, segKind(b[0]), b[1:])
	}
}

func (l *Link) deliver(fx *effects, kind segKind, data []byte) {
	switch kind {
	case kindData:
		if cb := l.cfg.OnPacket; cb != nil {
			fx.calls = append(fx.calls, func() { cb(l, data) })
		}
	case kindResourceAdv:
		adv, err := resource.DecodeAdvertisement(data)
		if err != nil {
			l.log.Debug("bad resource advertisement", zap.Error(err))
			return
		}
		in, err := resource.NewIncoming(adv)
		if err != nil {
			l.log.Debug("resource refused", zap.Error(err))
			return
		}
		l.incoming[adv.ID] = in
	case kindResourcePart:
		id, err := resource.PartID(data)
		if err != nil {
			return
		}
		in, ok := l.incoming[id]
		if !ok {
			l.log.Debug("part for unknown resource", zap.Stringer("resource", id))
			return
		}
		done, err := in.Add(data)
		if err != nil || !done {
			return
		}
		delete(l.incoming, id)
		payload, err := in.Assemble()
		if err != nil {
			l.log.Warn("resource rejected", zap.Stringer("resource", id), zap.Error(err))
			return
		}
		if cb := l.cfg.OnResource; cb != nil {
			fx.calls = append(fx.calls, func() { cb(l, payload) })
		}
	}
}
