package zk

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

type transport interface {
	send(pkt []byte) error
	recv() ([]byte, error)
	setDeadline(t time.Time) error
	close() error
}

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *tcpTransport) send(pkt []byte) error {
	frame := append(tcpFrameHeader(len(pkt)), pkt...)
	_, err := t.conn.Write(frame)
	return errors.Wrap(err, "zk: write tcp frame")
}

func (t *tcpTransport) recv() ([]byte, error) {
	top := make([]byte, 8)
	if _, err := io.ReadFull(t.r, top); err != nil {
		return nil, errors.Wrap(err, "zk: read tcp frame header")
	}
	if binary.LittleEndian.Uint16(top[0:]) != tcpMagic1 || binary.LittleEndian.Uint16(top[2:]) != tcpMagic2 {
		return nil, errors.Errorf("zk: bad tcp frame magic % x", top[:4])
	}
	length := binary.LittleEndian.Uint32(top[4:])
	if length < headerSize || length > 4*maxChunkTCP {
		return nil, errors.Errorf("zk: implausible tcp frame length %d", length)
	}
	pkt := make([]byte, length)
	if _, err := io.ReadFull(t.r, pkt); err != nil {
		return nil, errors.Wrap(err, "zk: read tcp frame body")
	}
	return pkt, nil
}

func (t *tcpTransport) setDeadline(d time.Time) error { return t.conn.SetDeadline(d) }
func (t *tcpTransport) close() error                  { return t.conn.Close() }

type udpTransport struct {
	conn net.Conn
	buf  []byte
}

func newUDPTransport(conn net.Conn) *udpTransport {
	return &udpTransport{conn: conn, buf: make([]byte, udpReadBytes)}
}

func (t *udpTransport) send(pkt []byte) error {
	_, err := t.conn.Write(pkt)
	return errors.Wrap(err, "zk: write udp datagram")
}

func (t *udpTransport) recv() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if err != nil {
		return nil, errors.Wrap(err, "zk: read udp datagram")
	}
	pkt := make([]byte, n)
	copy(pkt, t.buf[:n])
	return pkt, nil
}

func (t *udpTransport) setDeadline(d time.Time) error { return t.conn.SetDeadline(d) }
func (t *udpTransport) close() error                  { return t.conn.Close() }
