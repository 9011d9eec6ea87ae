package device

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/MaksimIschenko/client/internal/bridge"
)

// ErrPortClosed is returned by Simulator operations after Close.
var ErrPortClosed = errors.New("device: port closed")

// Simulator is an in-process controller that answers GPS, IMU and
// remote-mode commands with synthetic telemetry. Use it for bench runs
// without hardware.
type Simulator struct {
	mu          sync.Mutex
	out         bytes.Buffer
	in          []byte
	notify      chan struct{}
	closed      bool
	readTimeout time.Duration

	t       float64 // virtual time accumulator
	written []string
}

// NewSimulator creates a simulator whose Read waits at most readTimeout for
// data, like a serial port with a read timeout.
func NewSimulator(readTimeout time.Duration) *Simulator {
	return &Simulator{
		notify:      make(chan struct{}, 1),
		readTimeout: readTimeout,
	}
}

// Write consumes commands and queues any responses for Read.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrPortClosed
	}

	s.in = append(s.in, p...)
	for {
		idx := bytes.IndexByte(s.in, '\n')
		if idx < 0 {
			break
		}
		cmd := string(s.in[:idx+1])
		s.in = s.in[idx+1:]
		s.written = append(s.written, cmd)
		if resp := s.respond(cmd); resp != "" {
			s.out.WriteString(resp)
		}
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Read returns queued telemetry, or (0, nil) once the read timeout elapses.
func (s *Simulator) Read(p []byte) (int, error) {
	deadline := time.NewTimer(s.readTimeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrPortClosed
		}
		if s.out.Len() > 0 {
			n, _ := s.out.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Close marks the port closed and wakes a pending Read.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Inject queues a raw line for Read as if the controller sent it.
func (s *Simulator) Inject(line string) {
	s.mu.Lock()
	s.out.WriteString(line)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Written returns the commands received so far.
func (s *Simulator) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func (s *Simulator) respond(cmd string) string {
	s.t += 0.1
	switch {
	case cmd == bridge.WireGPS:
		// Drive a slow circle around a fixed point.
		lat := 59.9343 + 0.002*math.Sin(s.t*0.1)
		lon := 30.3351 + 0.002*math.Cos(s.t*0.1)
		return fmt.Sprintf("%s,%.6f,%.6f\r\n", bridge.PrefixGPS, lat, lon)
	case cmd == bridge.WireIMU:
		roll := 2 * math.Sin(s.t*0.7)
		pitch := 1.5 * math.Cos(s.t*0.5)
		yaw := math.Mod(s.t*10, 360)
		return fmt.Sprintf("%s,%.2f,%.2f,%.2f,%.2f\r\n", bridge.PrefixIMU, roll, pitch, yaw, 9.81+rand.Float64()*0.02)
	case cmd == bridge.WireRemoteMode:
		return bridge.PrefixRemote + ",RC,OK\r\n"
	case strings.HasPrefix(cmd, "D,s,"):
		return "D,s,0,ACK\r\n"
	}
	return ""
}
