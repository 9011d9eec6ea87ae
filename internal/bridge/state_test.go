package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_DrainPreservesOrder(t *testing.T) {
	s := NewState(0)
	envs := []string{
		`{"cmd":["GPS"],"msg_data":{}}`,
		`{"cmd":["MTRCMD"],"msg_data":{"MTRCMD":"START"}}`,
		`{"cmd":["MANKEYCMD"],"msg_data":{"MANKEYCMD":"L5"}}`,
		`{"cmd":["IMU"],"msg_data":{}}`,
	}
	var want []string
	for _, raw := range envs {
		cmds, err := Translate(decode(t, raw))
		require.NoError(t, err)
		want = append(want, cmds...)
		s.Enqueue(cmds...)
	}

	assert.Equal(t, want, s.Drain())
	assert.Zero(t, s.Pending(), "drain empties the queue")
	assert.Empty(t, s.Drain())
}

func TestState_EnqueueBound(t *testing.T) {
	s := NewState(3)
	assert.Zero(t, s.Enqueue("a", "b"))
	assert.Equal(t, 2, s.Enqueue("c", "d", "e"))
	assert.Equal(t, []string{"c", "d", "e"}, s.Drain())
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestState_ComposeClears(t *testing.T) {
	s := NewState(0)
	_, ok := s.ApplyTelemetry("D,s,1,1,37.5,-122.1")
	require.True(t, ok)

	p := s.Compose(false, "10.0.0.5")
	require.NotNil(t, p.Status)
	assert.Equal(t, StatusResponse, *p.Status)
	assert.Equal(t, "D,s,1,1,37.5,-122.1", p.MsgData[FieldGPS])
	assert.Equal(t, []string{"10.0.0.5"}, p.MsgData[FieldInfo])
	assert.Equal(t, []string{}, p.AvailablePorts)

	st, fields := s.Snapshot()
	assert.Equal(t, StatusNone, st)
	assert.Empty(t, fields)

	p = s.Compose(false, "10.0.0.5")
	assert.Nil(t, p.Status)
	assert.Len(t, p.MsgData, 1)
}

func TestState_HeartbeatRefreshesInfo(t *testing.T) {
	s := NewState(0)
	cmds, err := Translate(decode(t, `{"cmd":[],"msg_data":{}}`))
	require.NoError(t, err)
	s.Enqueue(cmds...)
	assert.Zero(t, s.Pending())

	p := s.Compose(true, "192.168.1.7")
	require.NotNil(t, p.Status)
	assert.Equal(t, StatusConnected, *p.Status)
	assert.Equal(t, []string{"192.168.1.7"}, p.MsgData[FieldInfo])
	assert.True(t, p.Trivial())
}

func TestState_HeartbeatOverridesResponseStatus(t *testing.T) {
	s := NewState(0)
	s.ApplyTelemetry("D,s,1,3,1,2,3")
	p := s.Compose(true, "127.0.0.1")
	assert.Equal(t, StatusConnected, *p.Status)
	assert.Equal(t, "D,s,1,3,1,2,3", p.MsgData[FieldIMU])
	assert.False(t, p.Trivial())
}

func TestState_UnknownLineChangesNothing(t *testing.T) {
	s := NewState(0)
	_, ok := s.ApplyTelemetry("D,s,9,X")
	assert.False(t, ok)
	st, fields := s.Snapshot()
	assert.Equal(t, StatusNone, st)
	assert.Empty(t, fields)
}

func TestPayload_JSON(t *testing.T) {
	data, err := json.Marshal(Handshake())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"CONNECTEDTOSERVER","available_ports":[],"msg_data":{}}`, string(data))

	data, err = json.Marshal(NewState(0).Compose(false, "1.2.3.4"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":null,"available_ports":[],"msg_data":{"INFO":["1.2.3.4"]}}`, string(data))
}

func TestState_ConcurrentComposeLosesNothing(t *testing.T) {
	s := NewState(0)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.Apply(Update{Status: StatusResponse, Field: fmt.Sprintf("k%d", i), Value: "v"})
		}
	}()

	seen := make(map[string]bool)
	collect := func(p Payload) {
		for k := range p.MsgData {
			if k != FieldInfo {
				seen[k] = true
			}
		}
	}
	for i := 0; i < n; i++ {
		collect(s.Compose(false, "x"))
	}
	wg.Wait()
	collect(s.Compose(false, "x"))

	assert.Len(t, seen, n, "every update lands in exactly one composed payload")
}

func TestState_ConcurrentEnqueueDrain(t *testing.T) {
	s := NewState(0)
	const n = 1000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			s.Enqueue(fmt.Sprintf("%d", i))
		}
	}()

	var got []string
	for len(got) < n {
		got = append(got, s.Drain()...)
		select {
		case <-done:
			got = append(got, s.Drain()...)
		default:
		}
	}
	<-done

	require.Len(t, got, n)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), c)
	}
}
