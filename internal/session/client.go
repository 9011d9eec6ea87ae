package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MaksimIschenko/client/internal/bridge"
	"github.com/MaksimIschenko/client/internal/metrics"
)

// Config holds the network session configuration.
type Config struct {
	Host        string
	Port        int
	DialTimeout time.Duration // per connect attempt
	ReadTimeout time.Duration // per receive
	RetryDelay  time.Duration // between connect attempts
	CycleDelay  time.Duration // between receive/send cycles
	RecvBuffer  int           // one Read of at most this many bytes is one envelope
	InfoAddress string        // reported as INFO; resolved from the host name when empty
}

// Status is a point-in-time view of the session.
type Status struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	SessionID string `json:"sessionId,omitempty"`
	Sessions  int    `json:"sessions"`
	LastError string `json:"lastError,omitempty"`
}

// Client keeps one TCP session to the controller alive, feeding received
// commands into the shared state and reporting its status back.
type Client struct {
	cfg      Config
	state    *bridge.State
	metrics  *metrics.Metrics
	observer bridge.Observer
	resolve  func() string

	mu     sync.Mutex
	status Status
}

// NewClient creates a client for cfg. Zero durations get the protocol
// defaults.
func NewClient(cfg Config, state *bridge.State) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.CycleDelay < 0 {
		cfg.CycleDelay = 0
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 1024
	}
	c := &Client{
		cfg:   cfg,
		state: state,
	}
	c.resolve = c.localAddress
	c.status.Address = c.addr()
	return c
}

// SetMetrics attaches metrics collectors.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// SetObserver attaches an event observer.
func (c *Client) SetObserver(o bridge.Observer) { c.observer = o }

// Status returns the current session status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Run connects, serves the session and reconnects after every failure until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[session] %v (retry in %v)", err, c.cfg.RetryDelay)
		c.metrics.TCPFailure()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// session runs one connection from dial to failure.
func (c *Client) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		c.setError(err)
		return fmt.Errorf("connect %s: %w", c.addr(), err)
	}
	defer conn.Close()

	id := uuid.NewString()
	c.setConnected(true, id)
	defer c.setConnected(false, "")

	// Unblock a pending Read on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	log.Printf("[session %s] connected to %s", id[:8], c.addr())
	c.observer.Emit(bridge.EventSession, id, "connected "+c.addr())

	if err := c.send(conn, bridge.Handshake()); err != nil {
		c.setError(err)
		return fmt.Errorf("handshake: %w", err)
	}

	info := c.resolve()
	err = c.serve(ctx, conn, id, info)
	c.setError(err)
	c.observer.Emit(bridge.EventSession, id, "closed: "+err.Error())
	return err
}

// serve runs the receive → translate → compose → send cycle.
func (c *Client) serve(ctx context.Context, conn net.Conn, id, info string) error {
	buf := make([]byte, c.cfg.RecvBuffer)
	tag := id[:8]

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("peer closed connection")
			}
			return fmt.Errorf("receive: %w", err)
		}

		env, err := bridge.DecodeEnvelope(buf[:n])
		if err != nil {
			c.metrics.ProtocolError("json")
			return fmt.Errorf("malformed envelope %q: %w", buf[:n], err)
		}
		heartbeat := env.IsHeartbeat()
		c.metrics.Envelope(heartbeat)
		if !heartbeat {
			log.Printf("[session %s] received %s", tag, buf[:n])
		}

		cmds, terr := bridge.Translate(env)
		if terr != nil {
			log.Printf("[session %s] translate: %v", tag, terr)
			c.metrics.ProtocolError("translate")
		}
		if len(cmds) > 0 {
			dropped := c.state.Enqueue(cmds...)
			c.metrics.Queued(len(cmds), dropped)
			for _, cmd := range cmds {
				c.observer.Emit(bridge.EventCommand, tag, cmd)
			}
		}

		payload := c.state.Compose(heartbeat, info)
		if err := c.send(conn, payload); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		c.metrics.Sent()
		if !payload.Trivial() {
			log.Printf("[session %s] sent %v", tag, payload.MsgData)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.CycleDelay):
		}
	}
}

func (c *Client) send(conn net.Conn, p bridge.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	c.observer.Emit(bridge.EventSent, c.addr(), string(data))
	return nil
}

func (c *Client) setConnected(up bool, id string) {
	c.mu.Lock()
	c.status.Connected = up
	c.status.SessionID = id
	if up {
		c.status.Sessions++
		c.status.LastError = ""
	}
	c.mu.Unlock()
	c.metrics.SetTCPConnected(up)
}

func (c *Client) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
}

// localAddress returns the configured INFO address, or the first IPv4
// address the local host name resolves to.
func (c *Client) localAddress() string {
	if c.cfg.InfoAddress != "" {
		return c.cfg.InfoAddress
	}
	host, err := os.Hostname()
	if err != nil {
		log.Printf("[session] hostname: %v", err)
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		log.Printf("[session] resolve %s: %v", host, err)
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return "127.0.0.1"
}
