// Package zk speaks the ZKTeco terminal protocol over TCP or UDP.
//
// A packet is an 8-byte little-endian header (command, checksum, session id,
// reply id) followed by an optional payload. Over TCP every packet is prefixed
// by an 8-byte frame header carrying two magic words and the packet length.
package zk

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	cmdConnect       uint16 = 1000
	cmdExit          uint16 = 1001
	cmdEnableDevice  uint16 = 1002
	cmdDisableDevice uint16 = 1003
	cmdGetVersion    uint16 = 1100
	cmdAuth          uint16 = 1102
	cmdGetFreeSizes  uint16 = 50
	cmdUserTempRRQ   uint16 = 9
	cmdAttLogRRQ     uint16 = 13
	cmdPrepareData   uint16 = 1500
	cmdData          uint16 = 1501
	cmdFreeData      uint16 = 1502
	cmdPrepareBuffer uint16 = 1503
	cmdReadBuffer    uint16 = 1504
	cmdAckOK         uint16 = 2000
	cmdAckError      uint16 = 2001
	cmdAckUnauth     uint16 = 2005

	fctUser = 5

	tcpMagic1 uint16 = 0x5050
	tcpMagic2 uint16 = 0x7d82

	ushrtMax = 65535

	headerSize   = 8
	maxChunkTCP  = 0xffc0
	maxChunkUDP  = 16 * 1024
	udpReadBytes = 64 * 1024
)

var errShortPacket = errors.New("zk: packet shorter than header")

type header struct {
	command   uint16
	checksum  uint16
	sessionID uint16
	replyID   uint16
}

// checksum folds the packet into 16-bit words the way the terminal firmware
// verifies it.
func checksum(p []byte) uint16 {
	sum := 0
	for len(p) > 1 {
		sum += int(binary.LittleEndian.Uint16(p))
		p = p[2:]
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(p) == 1 {
		sum += int(p[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// buildPacket encodes a command. The checksum covers the header carrying the
// current reply id; the packet itself carries the incremented one.
func buildPacket(command, sessionID, replyID uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], command)
	binary.LittleEndian.PutUint16(buf[4:], sessionID)
	binary.LittleEndian.PutUint16(buf[6:], replyID)
	copy(buf[headerSize:], payload)

	sum := checksum(buf)
	next := int(replyID) + 1
	if next >= ushrtMax {
		next -= ushrtMax
	}
	binary.LittleEndian.PutUint16(buf[2:], sum)
	binary.LittleEndian.PutUint16(buf[6:], uint16(next))
	return buf
}

func parsePacket(pkt []byte) (header, []byte, error) {
	if len(pkt) < headerSize {
		return header{}, nil, errShortPacket
	}
	h := header{
		command:   binary.LittleEndian.Uint16(pkt[0:]),
		checksum:  binary.LittleEndian.Uint16(pkt[2:]),
		sessionID: binary.LittleEndian.Uint16(pkt[4:]),
		replyID:   binary.LittleEndian.Uint16(pkt[6:]),
	}
	return h, pkt[headerSize:], nil
}

func tcpFrameHeader(length int) []byte {
	top := make([]byte, 8)
	binary.LittleEndian.PutUint16(top[0:], tcpMagic1)
	binary.LittleEndian.PutUint16(top[2:], tcpMagic2)
	binary.LittleEndian.PutUint32(top[4:], uint32(length))
	return top
}

// commKey derives the CMD_AUTH payload from the terminal password and the
// session id assigned on connect.
func commKey(password int, sessionID uint16) []byte {
	const ticks = 50
	var k uint32
	for i := 0; i < 32; i++ {
		if password&(1<<i) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	// swap the two 16-bit halves
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
	return []byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}
