package protocol

import (
	"errors"
	"io"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

var (
	ErrExpectedHello = errors.New("protocol: handshake expected HELLO")
)

// Remote is the verified far end of a stream after the HELLO exchange.
type Remote struct {
	Identity     *identity.Identity
	Capabilities map[string]string
}

// HandshakeClient sends a signed HELLO and then verifies the server's.
func HandshakeClient(rw io.ReadWriter, local *identity.Identity, caps map[string]string) (*Remote, error) {
	if err := writeHello(rw, local, caps); err != nil {
		return nil, err
	}
	return readHello(rw)
}

// HandshakeServer verifies the client's HELLO and answers with its own.
func HandshakeServer(rw io.ReadWriter, local *identity.Identity, caps map[string]string) (*Remote, error) {
	remote, err := readHello(rw)
	if err != nil {
		return nil, err
	}
	if err := writeHello(rw, local, caps); err != nil {
		return nil, err
	}
	return remote, nil
}

func writeHello(w io.Writer, local *identity.Identity, caps map[string]string) error {
	h, err := NewHello(local, caps)
	if err != nil {
		return err
	}
	if err := h.Sign(local); err != nil {
		return err
	}
	payload, err := EncodeHello(h)
	if err != nil {
		return err
	}
	return WriteFrame(w, Frame{Type: FrameHello, Payload: payload})
}

func readHello(r io.Reader) (*Remote, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if f.Type != FrameHello {
		return nil, ErrExpectedHello
	}
	h, err := DecodeHello(f.Payload)
	if err != nil {
		return nil, err
	}
	id, err := h.Verify()
	if err != nil {
		return nil, err
	}
	return &Remote{Identity: id, Capabilities: h.Capabilities}, nil
}
