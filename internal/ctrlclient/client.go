// Package ctrlclient talks to a running relay over its control socket.
//
// A Client owns one bound datagram socket. Requests are serialised; each
// waits for the single reply the relay sends back. Telemetry datagrams that
// arrive in between are parsed and handed out on Events.
package ctrlclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wipush/internal/ctrl"
	"wipush/internal/relay"
	"wipush/internal/wlan"
	logx "wipush/pkg/logx"
)

var (
	ErrFailed     = errors.New("ctrlclient: relay answered FAIL")
	ErrUnexpected = errors.New("ctrlclient: unexpected reply")
	ErrClosed     = errors.New("ctrlclient: closed")
)

var seq atomic.Uint64

type Options struct {
	// LocalDir holds the client's own socket. Defaults to os.TempDir().
	LocalDir string
	Timeout  time.Duration
	// EventBuffer sizes the Events channel. Events are dropped when full.
	EventBuffer int
	Logger      logx.Logger
}

type Client struct {
	opts   Options
	log    logx.Logger
	conn   *net.UnixConn
	local  string
	remote *net.UnixAddr

	mu      sync.Mutex // one request in flight
	replies chan []byte
	events  chan relay.Event
	dropped atomic.Uint64

	attached atomic.Bool
	down     atomic.Bool
	cron     *cron.Cron

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial binds a private socket and targets the relay's control socket in dir.
func Dial(dir string, opts Options) (*Client, error) {
	if opts.LocalDir == "" {
		opts.LocalDir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	local := filepath.Join(opts.LocalDir, fmt.Sprintf("wipush-cli-%d-%d", os.Getpid(), seq.Add(1)))
	_ = os.Remove(local)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: local, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("ctrlclient: bind %s: %w", local, err)
	}
	c := &Client{
		opts:     opts,
		log:      log.With(logx.String("comp", "ctrlclient")),
		conn:     conn,
		local:    local,
		remote:   &net.UnixAddr{Name: filepath.Join(dir, ctrl.SocketName), Net: "unixgram"},
		replies:  make(chan []byte, 1),
		events:   make(chan relay.Event, opts.EventBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers telemetry while the client is attached. It is closed by
// Close.
func (c *Client) Events() <-chan relay.Event { return c.events }

// Dropped counts telemetry lost to a full Events channel.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.events)
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Warn("read failed", logx.Err(err))
			}
			return
		}
		msg := append([]byte(nil), buf[:n]...)
		if ctrl.IsEvent(msg) {
			ev, err := ctrl.ParseEvent(msg)
			if err != nil {
				c.log.Debug("bad telemetry", logx.Err(err))
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.dropped.Add(1)
			}
			continue
		}
		select {
		case c.replies <- msg:
		default:
			c.log.Debug("unsolicited reply dropped", logx.String("reply", string(msg)))
		}
	}
}

func (c *Client) request(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}
	// A reply that arrived after an earlier timeout belongs to nobody.
	select {
	case <-c.replies:
	default:
	}

	if _, err := c.conn.WriteToUnix([]byte(cmd), c.remote); err != nil {
		return "", fmt.Errorf("ctrlclient: send %s: %w", verb(cmd), err)
	}
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case r := <-c.replies:
		return string(r), nil
	case <-timer.C:
		return "", fmt.Errorf("ctrlclient: %s: %w", verb(cmd), context.DeadlineExceeded)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

func (c *Client) expectOK(ctx context.Context, cmd string) error {
	r, err := c.request(ctx, cmd)
	if err != nil {
		return err
	}
	switch r {
	case string(ctrl.ReplyOK):
		return nil
	case string(ctrl.ReplyFail):
		return fmt.Errorf("%w: %s", ErrFailed, verb(cmd))
	}
	return fmt.Errorf("%w: %q to %s", ErrUnexpected, r, verb(cmd))
}

func (c *Client) Ping(ctx context.Context) error {
	r, err := c.request(ctx, "PING")
	if err != nil {
		return err
	}
	if r != string(ctrl.ReplyPong) {
		return fmt.Errorf("%w: %q to PING", ErrUnexpected, r)
	}
	return nil
}

// Attach registers this client as the relay's monitor.
func (c *Client) Attach(ctx context.Context) error {
	if err := c.expectOK(ctx, "ATTACH"); err != nil {
		return err
	}
	c.attached.Store(true)
	return nil
}

func (c *Client) Detach(ctx context.Context) error {
	c.attached.Store(false)
	return c.expectOK(ctx, "DETACH")
}

// Push queues a message and returns the id the relay assigned. A zero
// expiry keeps a broadcast until it is deleted.
func (c *Client) Push(ctx context.Context, to wlan.Addr, typ wlan.MessageType, msg string, expiry time.Duration) (uint32, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("ctrlclient: invalid message type %d", typ)
	}
	cmd := fmt.Sprintf("PUSH %s %d %s", to, typ, msg)
	if expiry > 0 {
		cmd += " :ENDNOT:" + strconv.FormatInt(int64(expiry/time.Second), 10)
	}
	r, err := c.request(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if r == string(ctrl.ReplyFail) {
		return 0, fmt.Errorf("%w: PUSH", ErrFailed)
	}
	id, ok := strings.CutPrefix(r, "MID: ")
	if !ok {
		return 0, fmt.Errorf("%w: %q to PUSH", ErrUnexpected, r)
	}
	mid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q to PUSH", ErrUnexpected, r)
	}
	return uint32(mid), nil
}

// Delete withdraws a broadcast message.
func (c *Client) Delete(ctx context.Context, mid uint32) error {
	return c.expectOK(ctx, "DELETE "+strconv.FormatUint(uint64(mid), 10))
}

func (c *Client) DeleteAll(ctx context.Context) error {
	return c.expectOK(ctx, "DELETEALL")
}

// SetTime sets the indicator window. It is sent in whole milliseconds.
func (c *Client) SetTime(ctx context.Context, d time.Duration) error {
	return c.expectOK(ctx, "SETTIME "+strconv.FormatInt(d.Milliseconds(), 10))
}

// SetNodeTime sets the node inactivity timeout, in whole seconds.
func (c *Client) SetNodeTime(ctx context.Context, d time.Duration) error {
	return c.expectOK(ctx, "SETNODETIME "+strconv.FormatInt(int64(d/time.Second), 10))
}

func (c *Client) CheckFast(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return c.expectOK(ctx, "CHECK_FAST "+v)
}

// Keepalive pings the relay every interval. When the relay answers again
// after a failed ping an attached client attaches again, since a restarted
// relay has forgotten its monitor.
func (c *Client) Keepalive(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("ctrlclient: keepalive interval must be positive")
	}
	c.mu.Lock()
	if c.cron != nil {
		c.mu.Unlock()
		return errors.New("ctrlclient: keepalive already running")
	}
	cr := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := cr.AddFunc("@every "+interval.String(), c.keepalive); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ctrlclient: keepalive schedule: %w", err)
	}
	c.cron = cr
	c.mu.Unlock()

	cr.Start()
	return nil
}

func (c *Client) keepalive() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		if !c.down.Swap(true) {
			c.log.Warn("relay not answering", logx.Err(err))
		}
		return
	}
	if !c.down.Swap(false) || !c.attached.Load() {
		return
	}
	c.log.Info("relay is back, attaching again")
	if err := c.expectOK(ctx, "ATTACH"); err != nil {
		c.log.Warn("re-attach failed", logx.Err(err))
		c.down.Store(true)
	}
}

// Close detaches if attached, stops the keepalive and removes the local
// socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cr := c.cron
		c.mu.Unlock()
		if cr != nil {
			<-cr.Stop().Done()
		}
		if c.attached.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
			_ = c.Detach(ctx)
			cancel()
		}
		close(c.done)
		err = c.conn.Close()
		<-c.readDone
		if rerr := os.Remove(c.local); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	})
	return err
}

func verb(cmd string) string {
	v, _, _ := strings.Cut(cmd, " ")
	return v
}
