package bridge

import (
	"log"
	"sync"
)

// DefaultMaxPending bounds the command queue while no serial handle is
// available to drain it.
const DefaultMaxPending = 256

// State is the record shared by the network session and the serial link:
// the queue of pending wire commands and the next outbound status.
type State struct {
	mu         sync.Mutex
	pending    []string
	maxPending int // 0 = unbounded
	dropped    uint64

	status Status
	fields map[string]string
}

// NewState creates an empty State. maxPending <= 0 disables the queue bound.
func NewState(maxPending int) *State {
	if maxPending < 0 {
		maxPending = 0
	}
	return &State{
		maxPending: maxPending,
		fields:     make(map[string]string),
	}
}

// Enqueue appends commands in order. When the bound is exceeded the oldest
// entries are discarded; the number discarded is returned.
func (s *State) Enqueue(cmds ...string) int {
	if len(cmds) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, cmds...)
	if s.maxPending == 0 || len(s.pending) <= s.maxPending {
		return 0
	}
	over := len(s.pending) - s.maxPending
	s.pending = append(s.pending[:0:0], s.pending[over:]...)
	s.dropped += uint64(over)
	log.Printf("[bridge] command queue full, dropped %d oldest", over)
	return over
}

// Drain returns every pending command in arrival order and empties the queue.
func (s *State) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.pending
	s.pending = nil
	return cmds
}

// Pending returns the current queue depth.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped returns the number of commands discarded by the queue bound.
func (s *State) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Apply records an update. Fields are last-write-wins within a cycle.
func (s *State) Apply(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = u.Status
	s.fields[u.Field] = u.Value
}

// ApplyTelemetry classifies a telemetry line and applies the result. It
// reports whether the line changed the outbound status.
func (s *State) ApplyTelemetry(line string) (Update, bool) {
	u, ok := Classify(line)
	if ok {
		s.Apply(u)
	}
	return u, ok
}

// Compose builds the outbound payload and resets the status record in the
// same critical section. A heartbeat forces the connected status. INFO is
// always overwritten with info.
func (s *State) Compose(heartbeat bool, info string) Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	if heartbeat {
		s.status = StatusConnected
	}

	p := Payload{
		AvailablePorts: []string{},
		MsgData:        make(map[string]any, len(s.fields)+1),
	}
	if s.status != StatusNone {
		st := s.status
		p.Status = &st
	}
	for k, v := range s.fields {
		p.MsgData[k] = v
	}
	p.MsgData[FieldInfo] = []string{info}

	s.status = StatusNone
	s.fields = make(map[string]string)
	return p
}

// Snapshot returns a copy of the pending outbound status without clearing it.
func (s *State) Snapshot() (Status, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	return s.status, fields
}
