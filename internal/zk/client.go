package zk

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnauthorized is returned when the terminal rejects the comm key.
	ErrUnauthorized = errors.New("zk: unauthorized")
	// ErrUnreachable is returned when the liveness check before connect fails.
	ErrUnreachable = errors.New("zk: terminal unreachable")
)

const chunkRetries = 3

// Options describe how to reach a terminal.
type Options struct {
	Address  string
	Port     int
	Timeout  time.Duration
	Password int
	ForceUDP bool
	// OmitPing skips the liveness check that runs before the socket opens.
	OmitPing bool
	Pinger   Pinger
}

// Client is an open session with one terminal. It is not safe for use by
// more than one cycle; the mutex only serialises request/response pairs.
type Client struct {
	opts Options
	tcp  bool

	mu        sync.Mutex
	tr        transport
	sessionID uint16
	replyID   uint16
	maxChunk  int

	userCount   int
	recordCount int
	users       []User
	usersLoaded bool
}

type reply struct {
	command uint16
	session uint16
	data    []byte
}

func (r reply) ok() bool {
	switch r.command {
	case cmdAckOK, cmdPrepareData, cmdData:
		return true
	default:
		return false
	}
}

// Dial opens a socket to the terminal and performs the connect handshake,
// authenticating with the comm key when the terminal asks for it.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Pinger == nil {
		opts.Pinger = SystemPing
	}
	if !opts.OmitPing {
		if err := opts.Pinger(ctx, opts.Address, opts.Timeout); err != nil {
			return nil, errors.Wrapf(ErrUnreachable, "ping %s: %v", opts.Address, err)
		}
	}

	network := "tcp"
	if opts.ForceUDP {
		network = "udp"
	}
	target := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, errors.Wrapf(err, "zk: dial %s %s", network, target)
	}

	c := &Client{
		opts:    opts,
		tcp:     !opts.ForceUDP,
		replyID: ushrtMax - 1,
	}
	if c.tcp {
		c.tr = newTCPTransport(conn)
		c.maxChunk = maxChunkTCP
	} else {
		c.tr = newUDPTransport(conn)
		c.maxChunk = maxChunkUDP
	}

	if err := c.handshake(ctx); err != nil {
		_ = c.tr.close()
		return nil, err
	}
	log.Debug().
		Str("address", target).
		Str("network", network).
		Uint16("session_id", c.sessionID).
		Msg("zk: session opened")
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	resp, err := c.command(ctx, cmdConnect, nil)
	if err != nil {
		return errors.Wrap(err, "zk: connect")
	}
	c.sessionID = resp.session
	if resp.command == cmdAckUnauth {
		resp, err = c.command(ctx, cmdAuth, commKey(c.opts.Password, c.sessionID))
		if err != nil {
			return errors.Wrap(err, "zk: auth")
		}
	}
	if resp.ok() {
		return nil
	}
	if resp.command == cmdAckUnauth {
		return ErrUnauthorized
	}
	return errors.Errorf("zk: connect rejected with response %d", resp.command)
}

// command sends one request and waits for its reply within the per-request
// timeout (or the context deadline, whichever is sooner).
func (c *Client) command(ctx context.Context, cmd uint16, payload []byte) (reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}
	if err := c.tr.setDeadline(c.deadline(ctx)); err != nil {
		return reply{}, errors.Wrap(err, "zk: set deadline")
	}
	if err := c.tr.send(buildPacket(cmd, c.sessionID, c.replyID, payload)); err != nil {
		return reply{}, err
	}
	raw, err := c.tr.recv()
	if err != nil {
		return reply{}, err
	}
	h, data, err := parsePacket(raw)
	if err != nil {
		return reply{}, err
	}
	c.replyID = h.replyID
	return reply{command: h.command, session: h.sessionID, data: data}, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.opts.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (c *Client) simple(ctx context.Context, cmd uint16, what string) error {
	resp, err := c.command(ctx, cmd, nil)
	if err != nil {
		return errors.Wrap(err, what)
	}
	if !resp.ok() {
		return errors.Errorf("%s: terminal answered %d", what, resp.command)
	}
	return nil
}

// FirmwareVersion returns the firmware identifier string.
func (c *Client) FirmwareVersion(ctx context.Context) (string, error) {
	resp, err := c.command(ctx, cmdGetVersion, nil)
	if err != nil {
		return "", errors.Wrap(err, "zk: get firmware version")
	}
	if !resp.ok() {
		return "", errors.Errorf("zk: get firmware version: terminal answered %d", resp.command)
	}
	return cString(resp.data), nil
}

// DisableDevice locks the terminal keypad and sensor while data is read.
func (c *Client) DisableDevice(ctx context.Context) error {
	return c.simple(ctx, cmdDisableDevice, "zk: disable device")
}

// EnableDevice returns the terminal to normal operation.
func (c *Client) EnableDevice(ctx context.Context) error {
	return c.simple(ctx, cmdEnableDevice, "zk: enable device")
}

// Disconnect ends the session and closes the socket. The socket is closed
// even when the terminal does not acknowledge the exit.
func (c *Client) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	exitErr := c.simple(ctx, cmdExit, "zk: exit")
	closeErr := c.tr.close()
	if exitErr != nil {
		return exitErr
	}
	return errors.Wrap(closeErr, "zk: close socket")
}

// Sizes reports the user and attendance record counts held by the terminal.
func (c *Client) Sizes(ctx context.Context) (users, records int, err error) {
	if err := c.readSizes(ctx); err != nil {
		return 0, 0, err
	}
	return c.userCount, c.recordCount, nil
}

func (c *Client) readSizes(ctx context.Context) error {
	resp, err := c.command(ctx, cmdGetFreeSizes, nil)
	if err != nil {
		return errors.Wrap(err, "zk: read sizes")
	}
	if !resp.ok() {
		return errors.Errorf("zk: read sizes: terminal answered %d", resp.command)
	}
	if len(resp.data) >= 80 {
		field := func(i int) int { return int(int32(binary.LittleEndian.Uint32(resp.data[i*4:]))) }
		c.userCount = field(4)
		c.recordCount = field(8)
	}
	return nil
}

// Users downloads the user directory.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	if err := c.readSizes(ctx); err != nil {
		return nil, err
	}
	if c.userCount <= 0 {
		c.users, c.usersLoaded = nil, true
		return nil, nil
	}
	data, err := c.readWithBuffer(ctx, cmdUserTempRRQ, fctUser, 0)
	if err != nil {
		return nil, errors.Wrap(err, "zk: read users")
	}
	if len(data) <= 4 {
		c.users, c.usersLoaded = nil, true
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	recordSize := total / c.userCount
	if recordSize != userRecordSmall && recordSize != userRecordLarge {
		log.Warn().Int("record_size", recordSize).Msg("zk: unexpected user record size")
	}
	c.users = decodeUsers(data[4:], recordSize)
	c.usersLoaded = true
	return c.users, nil
}

// Attendance downloads the raw punch log. Old firmware stores only the
// internal uid per punch, so the user directory is fetched first when it has
// not been loaded in this session.
func (c *Client) Attendance(ctx context.Context) ([]Attendance, error) {
	if err := c.readSizes(ctx); err != nil {
		return nil, err
	}
	if c.recordCount <= 0 {
		return nil, nil
	}
	if !c.usersLoaded {
		if _, err := c.Users(ctx); err != nil {
			log.Warn().Err(err).Msg("zk: user directory unavailable for uid lookup")
		}
	}
	data, err := c.readWithBuffer(ctx, cmdAttLogRRQ, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "zk: read attendance")
	}
	if len(data) < 4 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	return decodeAttendance(data[4:], total/c.recordCount, c.users), nil
}

// readWithBuffer asks the terminal to stage a data set and then pulls it in
// chunks. Small data sets come back inline with the first reply.
func (c *Client) readWithBuffer(ctx context.Context, command uint16, fct, ext int32) ([]byte, error) {
	payload := make([]byte, 11)
	payload[0] = 1
	binary.LittleEndian.PutUint16(payload[1:], command)
	binary.LittleEndian.PutUint32(payload[3:], uint32(fct))
	binary.LittleEndian.PutUint32(payload[7:], uint32(ext))

	resp, err := c.command(ctx, cmdPrepareBuffer, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, errors.Errorf("zk: buffered read not supported (answer %d)", resp.command)
	}
	if resp.command == cmdData {
		return resp.data, nil
	}
	if len(resp.data) < 5 {
		return nil, errors.New("zk: buffered read reply too short")
	}
	size := int(binary.LittleEndian.Uint32(resp.data[1:5]))

	var out bytes.Buffer
	out.Grow(size)
	for start := 0; start < size; {
		n := c.maxChunk
		if remain := size - start; remain < n {
			n = remain
		}
		chunk, err := c.readChunk(ctx, start, n)
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
		start += n
	}
	if err := c.simple(ctx, cmdFreeData, "zk: free data"); err != nil {
		log.Debug().Err(err).Msg("zk: free data failed")
	}
	return out.Bytes(), nil
}

func (c *Client) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], uint32(start))
	binary.LittleEndian.PutUint32(payload[4:], uint32(size))

	var lastErr error
	for attempt := 1; attempt <= chunkRetries; attempt++ {
		resp, err := c.command(ctx, cmdReadBuffer, payload)
		if err == nil {
			var data []byte
			data, err = c.receiveChunk(ctx, resp)
			if err == nil {
				return data, nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Debug().Err(err).Int("start", start).Int("size", size).Int("attempt", attempt).Msg("zk: chunk read failed")
	}
	return nil, errors.Wrapf(lastErr, "zk: read chunk %d:%d", start, size)
}

func (c *Client) receiveChunk(ctx context.Context, resp reply) ([]byte, error) {
	switch resp.command {
	case cmdData:
		return resp.data, nil
	case cmdPrepareData:
	default:
		return nil, errors.Errorf("zk: unexpected chunk answer %d", resp.command)
	}
	if len(resp.data) < 4 {
		return nil, errors.New("zk: prepare data reply too short")
	}
	size := int(binary.LittleEndian.Uint32(resp.data[:4]))

	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, size)
	for {
		if err := c.tr.setDeadline(c.deadline(ctx)); err != nil {
			return nil, errors.Wrap(err, "zk: set deadline")
		}
		raw, err := c.tr.recv()
		if err != nil {
			return nil, err
		}
		h, data, err := parsePacket(raw)
		if err != nil {
			return nil, err
		}
		switch h.command {
		case cmdData:
			buf = append(buf, data...)
		case cmdAckOK:
			return buf, nil
		default:
			return nil, errors.Errorf("zk: unexpected packet %d while streaming chunk", h.command)
		}
	}
}
