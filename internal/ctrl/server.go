package ctrl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"wipush/internal/eventbus"
	"wipush/internal/relay"
	logx "wipush/pkg/logx"
)

// SocketName is the control socket's file name inside Config.Dir.
const SocketName = "notification"

// Bus topics. Event.Data is a PeerEvent.
const (
	TopicPeerAttached = "ctrl.peer.attached"
	TopicPeerDetached = "ctrl.peer.detached"
)

var ErrInUse = errors.New("ctrl: control socket is in use by another process")

type Config struct {
	Dir string
	// ErrorThreshold is the number of consecutive failed telemetry sends
	// after which the peer is detached.
	ErrorThreshold int
	SendTimeout    time.Duration
	MaxCommandSize int
}

func DefaultConfig() Config {
	return Config{
		Dir:            "/var/run/wipush",
		ErrorThreshold: 10,
		SendTimeout:    100 * time.Millisecond,
		MaxCommandSize: 4096,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxCommandSize < 64 {
		c.MaxCommandSize = d.MaxCommandSize
	}
	return c
}

// Engine is the subset of *relay.Engine the commands drive.
type Engine interface {
	Push(relay.PushRequest) (uint32, error)
	DeleteBroadcast(mid uint32) error
	FlushAll(freeNodes bool)
	SetIndicatorTimeout(time.Duration)
	SetNodeTimeout(time.Duration)
	SetFastDelivery(bool)
}

// Poster runs closures on the goroutine that owns the engine.
type Poster interface {
	Post(ctx context.Context, fn func()) error
}

type PeerEvent struct {
	Addr   string
	Reason string
}

type peer struct {
	addr   *net.UnixAddr
	errors int
}

// Server is the datagram control endpoint. Commands and telemetry run on the
// loop goroutine; only the reader runs elsewhere.
type Server struct {
	cfg  Config
	eng  Engine
	loop Poster
	log  logx.Logger
	bus  eventbus.Bus
	m    *Metrics

	path string
	conn *net.UnixConn

	// Loop-owned.
	peer     *peer
	dropWarn rate.Sometimes
}

type ServerOption func(*Server)

func WithLogger(l logx.Logger) ServerOption { return func(s *Server) { s.log = l } }
func WithBus(b eventbus.Bus) ServerOption   { return func(s *Server) { s.bus = b } }
func WithMetrics(m *Metrics) ServerOption   { return func(s *Server) { s.m = m } }

func NewServer(cfg Config, eng Engine, loop Poster, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg.normalized(),
		eng:      eng,
		loop:     loop,
		dropWarn: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.path = filepath.Join(s.cfg.Dir, SocketName)
	return s
}

func (s *Server) Path() string { return s.path }

// Open binds the control socket. A leftover socket file nobody answers on is
// replaced; one that still has a listener makes Open fail with ErrInUse.
func (s *Server) Open() error {
	if err := os.MkdirAll(s.cfg.Dir, 0o770); err != nil {
		return fmt.Errorf("ctrl: create %s: %w", s.cfg.Dir, err)
	}
	addr := &net.UnixAddr{Name: s.path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		if !errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("ctrl: bind %s: %w", s.path, err)
		}
		probe, derr := net.DialUnix("unixgram", nil, addr)
		if derr == nil {
			_ = probe.Close()
			return fmt.Errorf("%w: %s", ErrInUse, s.path)
		}
		s.log.Info("replacing stale control socket", logx.String("path", s.path), logx.Err(derr))
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("ctrl: remove stale %s: %w", s.path, rerr)
		}
		if conn, err = net.ListenUnixgram("unixgram", addr); err != nil {
			return fmt.Errorf("ctrl: bind %s: %w", s.path, err)
		}
	}
	if err := os.Chmod(s.path, 0o770); err != nil {
		_ = conn.Close()
		_ = os.Remove(s.path)
		return fmt.Errorf("ctrl: chmod %s: %w", s.path, err)
	}
	s.conn = conn
	s.log.Info("control socket ready", logx.String("path", s.path))
	return nil
}

// Serve reads commands until ctx ends, the socket closes or the loop stops.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("ctrl: Serve before Open")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, s.cfg.MaxCommandSize+1)
	for {
		n, from, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("ctrl: read: %w", err)
		}
		if n > s.cfg.MaxCommandSize {
			s.log.Warn("control datagram too large", logx.Int("size", n))
			s.m.command("oversize", "fail")
			s.reply(from, ReplyFail)
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		if err := s.loop.Post(ctx, func() { s.handle(raw, from) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ctrl: dispatch: %w", err)
		}
	}
}

// Close unbinds and removes the socket file.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

func (s *Server) handle(raw []byte, from *net.UnixAddr) {
	cmd, err := Parse(raw)
	if err != nil {
		s.log.Debug("rejected control command", logx.Err(err), logx.String("from", addrName(from)))
		s.m.command("invalid", "fail")
		s.reply(from, ReplyFail)
		return
	}
	reply := s.exec(cmd, from)
	result := "ok"
	if string(reply) == string(ReplyFail) {
		result = "fail"
	}
	s.m.command(cmd.Kind.String(), result)
	s.reply(from, reply)
}

func (s *Server) exec(cmd Command, from *net.UnixAddr) []byte {
	switch cmd.Kind {
	case KindAttach:
		if addrName(from) == "" {
			return ReplyFail
		}
		if s.peer != nil {
			s.log.Debug("attach refused, peer already attached",
				logx.String("peer", s.peer.addr.Name), logx.String("from", from.Name))
			return ReplyFail
		}
		s.peer = &peer{addr: from}
		s.m.peerAttached(true)
		s.log.Info("monitor attached", logx.String("peer", from.Name))
		s.publish(TopicPeerAttached, PeerEvent{Addr: from.Name})
		return ReplyOK

	case KindDetach:
		if s.peer == nil || addrName(from) != s.peer.addr.Name {
			return ReplyFail
		}
		s.detach("detach")
		return ReplyOK

	case KindPush:
		mid, err := s.eng.Push(cmd.Push)
		if err != nil {
			s.log.Debug("push refused", logx.Err(err), logx.Stringer("addr", cmd.Push.Addr))
			return ReplyFail
		}
		return []byte("MID: " + strconv.FormatUint(uint64(mid), 10))

	case KindDelete:
		if err := s.eng.DeleteBroadcast(cmd.MID); err != nil {
			return ReplyFail
		}
		return ReplyOK

	case KindDeleteAll:
		s.eng.FlushAll(false)
		return ReplyOK

	case KindSetTime:
		s.eng.SetIndicatorTimeout(cmd.Timeout)
		return ReplyOK

	case KindSetNodeTime:
		s.eng.SetNodeTimeout(cmd.Timeout)
		return ReplyOK

	case KindCheckFast:
		s.eng.SetFastDelivery(cmd.Fast)
		return ReplyOK

	case KindPing:
		return ReplyPong
	}
	return ReplyFail
}

func (s *Server) reply(to *net.UnixAddr, b []byte) {
	if addrName(to) == "" {
		return
	}
	if err := s.write(to, b); err != nil {
		s.log.Debug("control reply failed", logx.String("to", to.Name), logx.Err(err))
	}
}

func (s *Server) write(to *net.UnixAddr, b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	_, err := s.conn.WriteToUnix(b, to)
	return err
}

// Emit sends one telemetry datagram to the attached peer. It implements
// relay.Telemetry and must run on the loop goroutine.
func (s *Server) Emit(ev relay.Event) {
	msg := FormatEvent(ev)
	if msg == nil {
		return
	}
	if s.peer == nil {
		s.m.telemetry("no_peer")
		return
	}
	err := s.write(s.peer.addr, msg)
	if err == nil {
		s.peer.errors = 0
		s.m.telemetry("sent")
		return
	}
	s.peer.errors++
	s.m.telemetry("failed")
	s.dropWarn.Do(func() {
		s.log.Warn("telemetry send failed",
			logx.String("peer", s.peer.addr.Name), logx.Int("errors", s.peer.errors), logx.Err(err))
	})
	if peerGone(err) {
		s.detach("peer gone")
		return
	}
	if s.peer.errors > s.cfg.ErrorThreshold {
		s.detach("too many send errors")
	}
}

// Peer returns the attached monitor's socket path. Loop goroutine only.
func (s *Server) Peer() (string, bool) {
	if s.peer == nil {
		return "", false
	}
	return s.peer.addr.Name, true
}

func (s *Server) detach(reason string) {
	name := s.peer.addr.Name
	s.peer = nil
	s.m.peerAttached(false)
	s.log.Info("monitor detached", logx.String("peer", name), logx.String("reason", reason))
	s.publish(TopicPeerDetached, PeerEvent{Addr: name, Reason: reason})
}

func (s *Server) publish(topic string, ev PeerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func peerGone(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
}

func addrName(a *net.UnixAddr) string {
	if a == nil {
		return ""
	}
	return a.Name
}

var _ relay.Telemetry = (*Server)(nil)
