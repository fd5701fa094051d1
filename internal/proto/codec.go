package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxFrameSize bounds a single framed message body.
const MaxFrameSize = 64 * 1024

// rawReadSize is the largest message the unframed protocol can carry.
const rawReadSize = 1024

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownType   = errors.New("unknown message type")
	ErrEmptyFrame    = errors.New("empty frame")
)

// Codec reads and writes control messages on a stream.
type Codec interface {
	Name() string
	// NewReader wraps a connection. inbound is the type the unframed codec
	// assigns to everything it reads; the framed codec ignores it.
	NewReader(r io.Reader, inbound Type) MessageReader
	WriteMessage(w io.Writer, m Message) error
}

// MessageReader yields messages from one connection. It is not safe for
// concurrent use. io.EOF marks a clean close by the peer.
type MessageReader interface {
	ReadMessage() (Message, error)
}

// ParseWire returns the codec registered under name ("framed" or "raw").
func ParseWire(name string) (Codec, error) {
	switch name {
	case "", "framed":
		return Framed{}, nil
	case "raw":
		return Raw{}, nil
	default:
		return nil, fmt.Errorf("proto: unknown wire format %q", name)
	}
}

// Framed is the default envelope: uvarint body length, then a type byte and
// the UTF-8 payload.
type Framed struct{}

func (Framed) Name() string { return "framed" }

func (Framed) NewReader(r io.Reader, _ Type) MessageReader {
	return &framedReader{br: bufio.NewReader(r)}
}

func (Framed) WriteMessage(w io.Writer, m Message) error {
	if !m.Type.valid() {
		return fmt.Errorf("proto: write %s: %w", m.Type, ErrUnknownType)
	}
	bodyLen := 1 + len(m.Payload)
	if bodyLen > MaxFrameSize {
		return fmt.Errorf("proto: write %s: %d bytes: %w", m.Type, bodyLen, ErrFrameTooLarge)
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(bodyLen))+bodyLen)
	buf = append(buf, varint.ToUvarint(uint64(bodyLen))...)
	buf = append(buf, byte(m.Type))
	buf = append(buf, m.Payload...)
	// one Write per frame keeps frames whole when several writers share w
	_, err := w.Write(buf)
	return err
}

type framedReader struct {
	br *bufio.Reader
}

func (f *framedReader) ReadMessage() (Message, error) {
	n, err := varint.ReadUvarint(f.br)
	if err != nil {
		return Message{}, err
	}
	if n == 0 {
		return Message{}, fmt.Errorf("proto: read: %w", ErrEmptyFrame)
	}
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("proto: read: %d bytes: %w", n, ErrFrameTooLarge)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.br, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	t := Type(body[0])
	if !t.valid() {
		return Message{}, fmt.Errorf("proto: read: %s: %w", t, ErrUnknownType)
	}
	return Message{Type: t, Payload: string(body[1:])}, nil
}

// Raw is the legacy unframed protocol: a message is whatever one Read
// returns. It only holds up while writes are small and not coalesced by the
// transport; use it to talk to peers that predate the framed envelope.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) NewReader(r io.Reader, inbound Type) MessageReader {
	return &rawReader{r: r, inbound: inbound, buf: make([]byte, rawReadSize)}
}

func (Raw) WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > rawReadSize {
		return fmt.Errorf("proto: write %s: %d bytes: %w", m.Type, len(m.Payload), ErrFrameTooLarge)
	}
	_, err := io.WriteString(w, m.Payload)
	return err
}

type rawReader struct {
	r       io.Reader
	inbound Type
	buf     []byte
}

func (r *rawReader) ReadMessage() (Message, error) {
	for {
		n, err := r.r.Read(r.buf)
		if n > 0 {
			return Message{Type: r.inbound, Payload: string(r.buf[:n])}, nil
		}
		if err != nil {
			return Message{}, err
		}
	}
}
