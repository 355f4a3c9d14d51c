// Package network carries transactions and blocks between nodes as framed
// JSON messages over (optionally mutually authenticated) TCP.
package network

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MsgType labels a network message.
type MsgType string

const (
	MsgHello     MsgType = "hello"
	MsgTx        MsgType = "tx"
	MsgBlock     MsgType = "block"
	MsgGetBlocks MsgType = "get_blocks"
	MsgBlocks    MsgType = "blocks"
)

// MaxMessageSize bounds a single framed message.
const MaxMessageSize = 32 * 1024 * 1024

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	frameHeader  = 4
)

// ErrPeerClosed is returned when sending to a closed peer.
var ErrPeerClosed = errors.New("peer closed")

// Message is the envelope for all P2P communication.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage encodes v as the payload of a typ message.
func NewMessage(typ MsgType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Peer is one connected remote node. Writes are serialized; reads happen
// only from the node's read loop for this peer.
type Peer struct {
	ID   string
	Addr string

	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established connection.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn, r: bufio.NewReader(conn), writeTimeout: writeTimeout}
}

// Connect dials addr, using TLS when tlsCfg is set.
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send frames and writes msg. A peer that does not take the frame within
// the write timeout is closed, which also ends its read loop.
func (p *Peer) Send(msg Message) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: %s", ErrPeerClosed, p.ID)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	if _, err := p.conn.Write(frame); err != nil {
		p.closed = true
		p.conn.Close()
		return fmt.Errorf("send to %s: %w", p.ID, err)
	}
	return nil
}

// SendValue encodes v as a typ message and sends it.
func (p *Peer) SendValue(typ MsgType, v any) error {
	msg, err := NewMessage(typ, v)
	if err != nil {
		return err
	}
	return p.Send(msg)
}

// Receive blocks until the next message arrives.
func (p *Peer) Receive() (Message, error) {
	return decodeFrame(p.r)
}

// Close terminates the connection. It is safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.conn.Close()
}

// encodeFrame returns the big-endian uint32 length followed by the JSON body,
// so a frame goes out in one Write.
func encodeFrame(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(body))
	}
	frame := make([]byte, frameHeader, frameHeader+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), nil
}

func decodeFrame(r io.Reader) (Message, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return Message{}, fmt.Errorf("message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("bad frame: %w", err)
	}
	return msg, nil
}
