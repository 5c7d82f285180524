package zk

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice answers the subset of the terminal protocol the client uses.
type fakeDevice struct {
	password int
	session  uint16
	inline   bool
	users    []User
	punches  []Attendance

	mu       sync.Mutex
	staged   []byte
	commands []uint16
}

func devicePacket(cmd, session, replyID uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], cmd)
	binary.LittleEndian.PutUint16(buf[4:], session)
	binary.LittleEndian.PutUint16(buf[6:], replyID)
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint16(buf[2:], checksum(buf))
	return buf
}

func encodeTime(t time.Time) uint32 {
	days := ((t.Year()-2000)*12*31 + (int(t.Month())-1)*31 + t.Day() - 1)
	return uint32(days*24*60*60 + (t.Hour()*60+t.Minute())*60 + t.Second())
}

func putString(dst []byte, s string) { copy(dst, s) }

func encodeUsers(users []User) []byte {
	out := make([]byte, 4, 4+len(users)*userRecordLarge)
	for _, u := range users {
		rec := make([]byte, userRecordLarge)
		binary.LittleEndian.PutUint16(rec[0:], u.UID)
		rec[2] = byte(u.Privilege)
		putString(rec[11:35], u.Name)
		binary.LittleEndian.PutUint32(rec[35:], u.Card)
		putString(rec[48:72], u.UserID)
		out = append(out, rec...)
	}
	binary.LittleEndian.PutUint32(out, uint32(len(out)-4))
	return out
}

func encodePunches(punches []Attendance) []byte {
	out := make([]byte, 4, 4+len(punches)*40)
	for _, p := range punches {
		rec := make([]byte, 40)
		binary.LittleEndian.PutUint16(rec[0:], p.UID)
		putString(rec[2:26], p.UserID)
		rec[26] = byte(p.Status)
		if !p.Timestamp.IsZero() {
			binary.LittleEndian.PutUint32(rec[27:], encodeTime(p.Timestamp))
		}
		rec[31] = byte(p.Punch)
		out = append(out, rec...)
	}
	binary.LittleEndian.PutUint32(out, uint32(len(out)-4))
	return out
}

func (d *fakeDevice) seen() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.commands...)
}

func (d *fakeDevice) handle(pkt []byte) [][]byte {
	h, data, err := parsePacket(pkt)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, h.command)

	reply := func(cmd uint16, payload []byte) []byte {
		return devicePacket(cmd, d.session, h.replyID, payload)
	}
	ok := [][]byte{reply(cmdAckOK, nil)}

	switch h.command {
	case cmdConnect:
		if d.password != 0 {
			return [][]byte{reply(cmdAckUnauth, nil)}
		}
		return ok
	case cmdAuth:
		want := commKey(d.password, d.session)
		if string(data) != string(want) {
			return [][]byte{reply(cmdAckUnauth, nil)}
		}
		return ok
	case cmdGetVersion:
		return [][]byte{reply(cmdAckOK, []byte("Ver 6.60 Apr 28 2017\x00"))}
	case cmdGetFreeSizes:
		sizes := make([]byte, 80)
		binary.LittleEndian.PutUint32(sizes[16:], uint32(len(d.users)))
		binary.LittleEndian.PutUint32(sizes[32:], uint32(len(d.punches)))
		return [][]byte{reply(cmdAckOK, sizes)}
	case cmdPrepareBuffer:
		switch binary.LittleEndian.Uint16(data[1:]) {
		case cmdUserTempRRQ:
			d.staged = encodeUsers(d.users)
		case cmdAttLogRRQ:
			d.staged = encodePunches(d.punches)
		default:
			return [][]byte{reply(cmdAckError, nil)}
		}
		if d.inline {
			return [][]byte{reply(cmdData, d.staged)}
		}
		info := make([]byte, 5)
		binary.LittleEndian.PutUint32(info[1:], uint32(len(d.staged)))
		return [][]byte{reply(cmdAckOK, info)}
	case cmdReadBuffer:
		start := int(binary.LittleEndian.Uint32(data[0:]))
		size := int(binary.LittleEndian.Uint32(data[4:]))
		chunk := d.staged[start : start+size]
		prep := make([]byte, 4)
		binary.LittleEndian.PutUint32(prep, uint32(len(chunk)))
		return [][]byte{reply(cmdPrepareData, prep), reply(cmdData, chunk), reply(cmdAckOK, nil)}
	default:
		return ok
	}
}

// serveTCP starts a framed TCP listener and returns its port.
func (d *fakeDevice) serveTCP(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serveConn(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		top := make([]byte, 8)
		if _, err := io.ReadFull(conn, top); err != nil {
			return
		}
		pkt := make([]byte, binary.LittleEndian.Uint32(top[4:]))
		if _, err := io.ReadFull(conn, pkt); err != nil {
			return
		}
		for _, out := range d.handle(pkt) {
			if _, err := conn.Write(append(tcpFrameHeader(len(out)), out...)); err != nil {
				return
			}
		}
	}
}

// serveUDP starts a datagram listener and returns its port.
func (d *fakeDevice) serveUDP(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, udpReadBytes)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			for _, out := range d.handle(append([]byte(nil), buf[:n]...)) {
				if _, err := pc.WriteTo(out, addr); err != nil {
					return
				}
			}
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port
}
