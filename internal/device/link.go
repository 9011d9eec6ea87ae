package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MaksimIschenko/client/internal/bridge"
	"github.com/MaksimIschenko/client/internal/metrics"
)

// Config holds serial link configuration.
type Config struct {
	PrimaryPath   string        `yaml:"primary" json:"primary"`
	SecondaryPath string        `yaml:"secondary" json:"secondary"`
	BaudRate      int           `yaml:"baud_rate" json:"baudRate"`
	Driver        string        `yaml:"driver" json:"driver"` // "bugst", "tarm" or "demo"
	ReadTimeout   time.Duration `yaml:"-" json:"-"`
	PollInterval  time.Duration `yaml:"-" json:"-"` // write loop pacing
	InitDelay     time.Duration `yaml:"-" json:"-"` // wait after open before the first read
}

// Queue supplies pending wire commands.
type Queue interface {
	Drain() []string
}

// Sink receives telemetry lines.
type Sink interface {
	ApplyTelemetry(line string) (bridge.Update, bool)
}

// Status is a point-in-time view of the link.
type Status struct {
	Selected  string `json:"selected"` // "primary" or "secondary"
	Path      string `json:"path"`
	Connected bool   `json:"connected"`
	Failovers int    `json:"failovers"`
	LastError string `json:"lastError,omitempty"`
}

type readFailure struct {
	gen uint64
	err error
}

// Link owns the serial handle for one of two device paths. Run is the only
// goroutine that opens, writes and closes the handle; each opened handle gets
// one reader goroutine that the owner stops before closing it.
type Link struct {
	cfg      Config
	open     Opener
	queue    Queue
	sink     Sink
	metrics  *metrics.Metrics
	observer bridge.Observer

	// owned by Run
	port       Port
	portPath   string
	gen        uint64
	stopReader context.CancelFunc
	readerDone chan struct{}
	readErrs   chan readFailure

	mu       sync.Mutex
	selected int // 0 = primary, 1 = secondary
	status   Status
}

// NewLink creates a link for the configured driver.
func NewLink(cfg Config, queue Queue, sink Sink) (*Link, error) {
	open, err := OpenerFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.PrimaryPath == "" {
		return nil, errors.New("device: primary device path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.InitDelay < 0 {
		cfg.InitDelay = 0
	}
	l := &Link{
		cfg:      cfg,
		open:     open,
		queue:    queue,
		sink:     sink,
		readErrs: make(chan readFailure, 1),
	}
	l.status = Status{Selected: "primary", Path: cfg.PrimaryPath}
	return l, nil
}

// SetMetrics attaches metrics collectors.
func (l *Link) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// SetObserver attaches an event observer.
func (l *Link) SetObserver(o bridge.Observer) { l.observer = o }

// Status returns the current link status.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run connects to the device and drains the command queue every poll
// interval until ctx is cancelled. The handle is closed on return.
func (l *Link) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	defer l.closePort()

	// Initial attempt tries both paths before the first tick.
	l.connect(ctx, 2)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[device] stopping")
			return nil
		case f := <-l.readErrs:
			if l.port == nil || f.gen != l.gen {
				continue
			}
			log.Printf("[device] read from %s failed: %v", l.portPath, f.err)
			l.setError(f.err)
			l.closePort()
		case <-ticker.C:
			if l.port == nil && !l.connect(ctx, 1) {
				continue
			}
			l.flush()
		}
	}
}

// connect opens the selected path, flipping to the other path after each
// failure. It makes at most attempts tries.
func (l *Link) connect(ctx context.Context, attempts int) bool {
	for i := 0; i < attempts; i++ {
		path := l.selectedPath()
		port, err := l.open(path, l.cfg)
		if err == nil {
			l.attach(ctx, port, path)
			return true
		}
		log.Printf("[device] can not connect to %s: %v", path, err)
		l.setError(err)
		l.failover()
	}
	return false
}

func (l *Link) selectedPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected == 1 {
		return l.cfg.SecondaryPath
	}
	return l.cfg.PrimaryPath
}

// failover switches the selected path. Without a secondary path it stays on
// the primary.
func (l *Link) failover() {
	if l.cfg.SecondaryPath == "" {
		return
	}
	l.mu.Lock()
	l.selected = 1 - l.selected
	l.status.Failovers++
	l.status.Selected = "primary"
	l.status.Path = l.cfg.PrimaryPath
	if l.selected == 1 {
		l.status.Selected = "secondary"
		l.status.Path = l.cfg.SecondaryPath
	}
	l.mu.Unlock()
	l.metrics.Failover()
}

func (l *Link) attach(ctx context.Context, port Port, path string) {
	l.gen++
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.port = port
	l.portPath = path
	l.stopReader = cancel
	l.readerDone = done
	go l.readLoop(rctx, port, path, l.gen, done)

	l.mu.Lock()
	l.status.Connected = true
	l.status.Path = path
	l.status.LastError = ""
	l.mu.Unlock()

	log.Printf("[device] connected to %s at %d baud", path, l.cfg.BaudRate)
	l.metrics.SetSerialConnected(path, true)
	l.observer.Emit(bridge.EventLink, path, "connected")
}

// closePort stops the reader, closes the handle and waits for the reader to
// exit so nothing touches the handle afterwards.
func (l *Link) closePort() {
	if l.port == nil {
		return
	}
	l.stopReader()
	if err := l.port.Close(); err != nil {
		log.Printf("[device] close %s: %v", l.portPath, err)
	}
	<-l.readerDone

	log.Printf("[device] closed %s", l.portPath)
	l.metrics.SetSerialConnected(l.portPath, false)
	l.observer.Emit(bridge.EventLink, l.portPath, "closed")

	l.port = nil
	l.stopReader = nil
	l.readerDone = nil

	l.mu.Lock()
	l.status.Connected = false
	l.mu.Unlock()
}

func (l *Link) setError(err error) {
	l.mu.Lock()
	l.status.LastError = err.Error()
	l.mu.Unlock()
}

// flush writes every pending command in arrival order. A write error drops
// the rest of the batch and closes the handle for reopening.
func (l *Link) flush() {
	cmds := l.queue.Drain()
	for i, cmd := range cmds {
		if _, err := l.port.Write(bridge.WireBytes(cmd)); err != nil {
			lost := len(cmds) - i - 1
			log.Printf("[device] write %q to %s failed: %v (%d queued commands lost)", cmd, l.portPath, err, lost)
			l.metrics.Write("error", 1)
			l.metrics.Write("lost", lost)
			l.setError(err)
			l.closePort()
			return
		}
		log.Printf("[device] sent %q", cmd)
		l.metrics.Write("ok", 1)
		l.observer.Emit(bridge.EventWrite, l.portPath, cmd)
	}
}

func (l *Link) readLoop(ctx context.Context, port Port, path string, gen uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			l.reportReadError(ctx, gen, fmt.Errorf("reader panic: %v", r))
		}
	}()

	if !sleepCtx(ctx, l.cfg.InitDelay) {
		return
	}

	lr := newLineReader(port)
	for ctx.Err() == nil {
		lines, n, err := lr.Next()
		for _, line := range lines {
			l.handleLine(path, line)
		}
		if errors.Is(err, errLineTooLong) {
			log.Printf("[device] discarded over-long line from %s", path)
			l.metrics.ProtocolError("line_too_long")
			continue
		}
		if err != nil {
			l.reportReadError(ctx, gen, err)
			return
		}
		if n == 0 && !sleepCtx(ctx, l.cfg.PollInterval) {
			return
		}
	}
}

func (l *Link) reportReadError(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		// handle closed by the owner
		return
	}
	select {
	case l.readErrs <- readFailure{gen: gen, err: err}:
	case <-ctx.Done():
	}
}

func (l *Link) handleLine(path, line string) {
	if !utf8.ValidString(line) {
		log.Printf("[device] undecodable line from %s: % X", path, []byte(line))
		l.metrics.ProtocolError("decode")
		return
	}
	log.Printf("[device] rcv %q", line)

	u, ok := l.sink.ApplyTelemetry(line)
	if ok {
		log.Printf("[device] %s -> %s", u.Field, u.Status)
	}
	l.metrics.TelemetryLine(u.Field)
	l.observer.Emit(bridge.EventTelemetry, path, line)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
