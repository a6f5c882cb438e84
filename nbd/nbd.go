// Package nbd implements an NBD (Network Block Device) server.
// It exposes a blockdev.Device to Linux nbd-client over the fixed newstyle
// handshake.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lvdlvd/sdboot/blockdev"
)

// NBD protocol constants
const (
	nbdMagic            = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic      = uint64(0x49484156454F5054) // "IHAVEOPT"
	nbdReplyMagic       = uint64(0x3e889045565a9)
	nbdRequestMagic     = uint32(0x25609513)
	nbdReplyMagicSimple = uint32(0x67446698)

	nbdFlagFixedNewstyle = uint16(1 << 0)
	nbdFlagNoZeroes      = uint16(1 << 1)
	nbdFlagCNoZeroes     = uint32(1 << 1)

	nbdFlagHasFlags  = uint16(1 << 0)
	nbdFlagReadOnly  = uint16(1 << 1)
	nbdFlagSendFlush = uint16(1 << 2)
	nbdFlagSendTrim  = uint16(1 << 5)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptInfo       = uint32(6)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)
	nbdCmdTrim  = uint16(4)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	maxOptionLen  = 4096
	maxRequestLen = 32 << 20
)

var (
	// ErrNoExports is returned by Serve on a server without exports.
	ErrNoExports = errors.New("nbd: no exports defined")
	// ErrAborted reports a client that sent NBD_OPT_ABORT.
	ErrAborted = errors.New("nbd: client aborted")
)

// Export is a named device offered to clients.
type Export struct {
	Name     string
	Device   blockdev.Device
	ReadOnly bool
}

// Size returns the export size in bytes.
func (e *Export) Size() int64 {
	return int64(e.Device.SectorCount()) * blockdev.SectorSize
}

func (e *Export) flags() uint16 {
	flags := nbdFlagHasFlags | nbdFlagSendFlush | nbdFlagSendTrim
	if e.ReadOnly {
		flags |= nbdFlagReadOnly
	}
	return flags
}

// export pairs an Export with the byte view all sessions share.
type export struct {
	*Export
	mu   sync.Mutex
	view *blockdev.ByteView
}

func (e *export) readAt(p []byte, off int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.ReadAt(p, off)
}

func (e *export) writeAt(p []byte, off int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.WriteAt(p, off)
}

// Server serves its exports on any number of connections.
type Server struct {
	mu      sync.RWMutex
	exports []*export
	log     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger; nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a server without exports.
func NewServer(opts ...Option) *Server {
	s := &Server{log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddExport registers exp. The first export added is the default for
// clients that ask for an empty name.
func (s *Server) AddExport(exp *Export) error {
	if exp.Device == nil {
		return fmt.Errorf("nbd: export %q has no device", exp.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.exports {
		if e.Name == exp.Name {
			return fmt.Errorf("nbd: export %q already exists", exp.Name)
		}
	}
	s.exports = append(s.exports, &export{Export: exp, view: blockdev.NewByteView(exp.Device)})
	return nil
}

func (s *Server) lookup(name string) *export {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" && len(s.exports) > 0 {
		return s.exports[0]
	}
	for _, e := range s.exports {
		if e.Name == name {
			return e
		}
	}
	return nil
}

func (s *Server) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.exports))
	for i, e := range s.exports {
		names[i] = e.Name
	}
	return names
}

// Listen creates a unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve accepts connections on l until ctx is cancelled, then closes l and
// every open connection and waits for the sessions to end. It returns nil
// after a cancellation and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if len(s.names()) == 0 {
		return ErrNoExports
	}
	s.log.Info("listening", slog.String("addr", l.Addr().String()))
	for _, name := range s.names() {
		e := s.lookup(name)
		s.log.Info("export", slog.String("name", name), slog.Int64("size", e.Size()), slog.Bool("readonly", e.ReadOnly))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			g.Go(func() error {
				defer stop()
				if err := s.ServeConn(conn); err != nil && ctx.Err() == nil {
					s.log.Error("session failed", slog.String("remote", conn.RemoteAddr().String()), slog.String("err", err.Error()))
				}
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ServeConn runs the handshake and transmission phases on conn and closes
// it. A client disconnect returns nil.
func (s *Server) ServeConn(conn net.Conn) error {
	defer conn.Close()
	sess := &session{server: s, conn: conn}
	if err := sess.negotiate(); err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}
	s.log.Debug("transmission", slog.String("export", sess.export.Name))
	err := sess.transmit()
	if err == io.EOF {
		return nil
	}
	return err
}

type session struct {
	server   *Server
	conn     net.Conn
	export   *export
	noZeroes bool
}

func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:18], nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	if _, err := sess.conn.Write(greeting); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(sess.conn, clientFlags[:]); err != nil {
		return fmt.Errorf("reading client flags: %w", err)
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags[:])&nbdFlagCNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return fmt.Errorf("reading option header: %w", err)
		}
		if magic := binary.BigEndian.Uint64(hdr[0:8]); magic != nbdOptionMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}
		opt := binary.BigEndian.Uint32(hdr[8:12])
		n := binary.BigEndian.Uint32(hdr[12:16])
		if n > maxOptionLen {
			return fmt.Errorf("option %d: %d bytes of data", opt, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sess.conn, data); err != nil {
			return fmt.Errorf("reading option data: %w", err)
		}
		done, err := sess.handleOption(opt, data)
		if err != nil || done {
			return err
		}
	}
}

func (sess *session) handleOption(opt uint32, data []byte) (done bool, err error) {
	switch opt {
	case nbdOptExportName:
		exp := sess.server.lookup(string(data))
		if exp == nil {
			return false, fmt.Errorf("unknown export %q", data)
		}
		sess.export = exp
		return true, sess.sendOldstyleExportInfo()

	case nbdOptInfo, nbdOptGo:
		name := ""
		if len(data) >= 4 {
			if n := binary.BigEndian.Uint32(data[0:4]); int(4+n) <= len(data) {
				name = string(data[4 : 4+n])
			}
		}
		exp := sess.server.lookup(name)
		if exp == nil {
			sess.server.log.Debug("unknown export", slog.String("name", name))
			return false, sess.sendOptionReply(opt, nbdRepErrUnknown, nil)
		}
		if err := sess.sendExportInfo(opt, exp); err != nil {
			return false, err
		}
		if opt == nbdOptInfo {
			return false, nil
		}
		sess.export = exp
		return true, nil

	case nbdOptList:
		for _, name := range sess.server.names() {
			entry := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(entry[0:4], uint32(len(name)))
			copy(entry[4:], name)
			if err := sess.sendOptionReply(opt, nbdRepServer, entry); err != nil {
				return false, err
			}
		}
		return false, sess.sendOptionReply(opt, nbdRepAck, nil)

	case nbdOptAbort:
		sess.sendOptionReply(opt, nbdRepAck, nil)
		return false, ErrAborted

	default:
		return false, sess.sendOptionReply(opt, nbdRepErrUnsup, nil)
	}
}

func (sess *session) sendOptionReply(opt, typ uint32, data []byte) error {
	reply := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(reply[0:8], nbdReplyMagic)
	binary.BigEndian.PutUint32(reply[8:12], opt)
	binary.BigEndian.PutUint32(reply[12:16], typ)
	binary.BigEndian.PutUint32(reply[16:20], uint32(len(data)))
	copy(reply[20:], data)
	_, err := sess.conn.Write(reply)
	return err
}

func (sess *session) sendExportInfo(opt uint32, exp *export) error {
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:2], nbdInfoExport)
	binary.BigEndian.PutUint64(info[2:10], uint64(exp.Size()))
	binary.BigEndian.PutUint16(info[10:12], exp.flags())
	if err := sess.sendOptionReply(opt, nbdRepInfo, info); err != nil {
		return err
	}

	// minimum, preferred, maximum
	bs := make([]byte, 14)
	binary.BigEndian.PutUint16(bs[0:2], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(bs[2:6], 1)
	binary.BigEndian.PutUint32(bs[6:10], blockdev.SectorSize)
	binary.BigEndian.PutUint32(bs[10:14], maxRequestLen)
	if err := sess.sendOptionReply(opt, nbdRepInfo, bs); err != nil {
		return err
	}
	return sess.sendOptionReply(opt, nbdRepAck, nil)
}

func (sess *session) sendOldstyleExportInfo() error {
	n := 10
	if !sess.noZeroes {
		n = 134
	}
	resp := make([]byte, n)
	binary.BigEndian.PutUint64(resp[0:8], uint64(sess.export.Size()))
	binary.BigEndian.PutUint16(resp[8:10], sess.export.flags())
	_, err := sess.conn.Write(resp)
	return err
}

func (sess *session) transmit() error {
	var hdr [28]byte
	for {
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return err
		}
		if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != nbdRequestMagic {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		cmd := binary.BigEndian.Uint16(hdr[6:8])
		handle := hdr[8:16]
		offset := binary.BigEndian.Uint64(hdr[16:24])
		length := binary.BigEndian.Uint32(hdr[24:28])

		var err error
		switch cmd {
		case nbdCmdRead:
			err = sess.handleRead(handle, offset, length)
		case nbdCmdWrite:
			err = sess.handleWrite(handle, offset, length)
		case nbdCmdFlush:
			err = sess.sendReply(handle, nbdErrNone, nil)
		case nbdCmdTrim:
			code := nbdErrNone
			if sess.export.ReadOnly {
				code = nbdErrPerm
			}
			err = sess.sendReply(handle, code, nil)
		case nbdCmdDisc:
			sess.server.log.Debug("client disconnected", slog.String("export", sess.export.Name))
			return nil
		default:
			sess.server.log.Debug("unknown command", slog.Int("cmd", int(cmd)))
			err = sess.sendReply(handle, nbdErrInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (sess *session) inRange(offset uint64, length uint32) bool {
	return length <= maxRequestLen && offset+uint64(length) <= uint64(sess.export.Size())
}

func (sess *session) handleRead(handle []byte, offset uint64, length uint32) error {
	if !sess.inRange(offset, length) {
		return sess.sendReply(handle, nbdErrInval, nil)
	}
	data := make([]byte, length)
	if _, err := sess.export.readAt(data, int64(offset)); err != nil && err != io.EOF {
		sess.server.log.Error("read failed", slog.Uint64("offset", offset), slog.String("err", err.Error()))
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	return sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) handleWrite(handle []byte, offset uint64, length uint32) error {
	if sess.export.ReadOnly || !sess.inRange(offset, length) {
		if _, err := io.CopyN(io.Discard, sess.conn, int64(length)); err != nil {
			return err
		}
		if sess.export.ReadOnly {
			return sess.sendReply(handle, nbdErrPerm, nil)
		}
		return sess.sendReply(handle, nbdErrInval, nil)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sess.conn, data); err != nil {
		return fmt.Errorf("reading write data: %w", err)
	}
	if _, err := sess.export.writeAt(data, int64(offset)); err != nil {
		sess.server.log.Error("write failed", slog.Uint64("offset", offset), slog.String("err", err.Error()))
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	return sess.sendReply(handle, nbdErrNone, nil)
}

func (sess *session) sendReply(handle []byte, code uint32, data []byte) error {
	reply := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(reply[0:4], nbdReplyMagicSimple)
	binary.BigEndian.PutUint32(reply[4:8], code)
	copy(reply[8:16], handle)
	copy(reply[16:], data)
	_, err := sess.conn.Write(reply)
	return err
}
