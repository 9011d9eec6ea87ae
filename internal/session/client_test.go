package session

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaksimIschenko/client/internal/bridge"
	"github.com/MaksimIschenko/client/internal/metrics"
)

const waitFor = 3 * time.Second

type wirePayload struct {
	Status         *string        `json:"status"`
	AvailablePorts []string       `json:"available_ports"`
	MsgData        map[string]any `json:"msg_data"`
}

// peer is the controller side of the link.
type peer struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
}

func (p *peer) recv() wirePayload {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	var w wirePayload
	require.NoError(p.t, p.dec.Decode(&w))
	return w
}

func (p *peer) send(raw string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(raw))
	require.NoError(p.t, err)
}

// exchange sends an envelope and returns the status payload it produced.
func (p *peer) exchange(raw string) wirePayload {
	p.t.Helper()
	p.send(raw)
	return p.recv()
}

func accept(t *testing.T, ln net.Listener) *peer {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		t.Cleanup(func() { r.conn.Close() })
		return &peer{t: t, conn: r.conn, dec: json.NewDecoder(r.conn)}
	case <-time.After(waitFor):
		t.Fatal("client did not connect")
		return nil
	}
}

func startClient(t *testing.T, state *bridge.State) (net.Listener, *Client) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient(Config{
		Host:        "127.0.0.1",
		Port:        addr.Port,
		ReadTimeout: 2 * time.Second,
		RetryDelay:  20 * time.Millisecond,
		CycleDelay:  time.Millisecond,
		InfoAddress: "10.1.2.3",
	}, state)
	c.SetMetrics(metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("client did not stop")
		}
	})
	return ln, c
}

func TestClient_HandshakeAndHeartbeat(t *testing.T) {
	state := bridge.NewState(0)
	ln, c := startClient(t, state)
	p := accept(t, ln)

	hs := p.recv()
	require.NotNil(t, hs.Status)
	assert.Equal(t, "CONNECTEDTOSERVER", *hs.Status)
	assert.Empty(t, hs.MsgData)
	assert.NotNil(t, hs.AvailablePorts)

	resp := p.exchange(`{"cmd":[],"msg_data":{}}`)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "CONNECTEDTOSERVER", *resp.Status)
	assert.Equal(t, []any{"10.1.2.3"}, resp.MsgData[bridge.FieldInfo])
	assert.Empty(t, resp.AvailablePorts)
	assert.Zero(t, state.Pending(), "heartbeat enqueues nothing")

	st := c.Status()
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, 1, st.Sessions)
}

func TestClient_CommandIsQueued(t *testing.T) {
	state := bridge.NewState(0)
	ln, _ := startClient(t, state)
	p := accept(t, ln)
	p.recv()

	resp := p.exchange(`{"cmd":["MTRCMD"],"msg_data":{"MTRCMD":"START"}}`)
	assert.Nil(t, resp.Status, "no telemetry yet")
	assert.Equal(t, []any{"10.1.2.3"}, resp.MsgData[bridge.FieldInfo])
	assert.Equal(t, []string{"D,s,ESTART,*,\r\n"}, state.Drain())

	p.exchange(`{"cmd":["GPS","MANKEYCMD"],"msg_data":{"MANKEYCMD":"F50"}}`)
	p.exchange(`{"cmd":["IMU"],"msg_data":{}}`)
	assert.Equal(t, []string{"GPS", "D,s,3,F,50,*,\r\n", "IMU"}, state.Drain())
}

func TestClient_TranslateErrorKeepsSession(t *testing.T) {
	state := bridge.NewState(0)
	ln, c := startClient(t, state)
	p := accept(t, ln)
	p.recv()

	resp := p.exchange(`{"cmd":["GPS","MANKEYCMD"],"msg_data":{"MANKEYCMD":7}}`)
	assert.Contains(t, resp.MsgData, bridge.FieldInfo)
	assert.Equal(t, []string{"GPS"}, state.Drain())
	assert.Equal(t, 1, c.Status().Sessions)
}

func TestClient_TelemetryIsReportedOnce(t *testing.T) {
	state := bridge.NewState(0)
	ln, _ := startClient(t, state)
	p := accept(t, ln)
	p.recv()

	state.ApplyTelemetry("D,s,1,1,37.5,-122.1\r\n")
	resp := p.exchange(`{"cmd":["GPS"],"msg_data":{}}`)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "RESPONSE", *resp.Status)
	assert.Equal(t, "D,s,1,1,37.5,-122.1\r\n", resp.MsgData[bridge.FieldGPS])

	resp = p.exchange(`{"cmd":["IMU"],"msg_data":{}}`)
	assert.Nil(t, resp.Status)
	assert.NotContains(t, resp.MsgData, bridge.FieldGPS, "status cleared after send")
}

func TestClient_MalformedJSONReconnects(t *testing.T) {
	state := bridge.NewState(0)
	ln, c := startClient(t, state)

	first := accept(t, ln)
	first.recv()
	first.send(`{"cmd": [`)

	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := first.conn.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF, "client closes the session")

	second := accept(t, ln)
	hs := second.recv()
	require.NotNil(t, hs.Status)
	assert.Equal(t, "CONNECTEDTOSERVER", *hs.Status)

	require.Eventually(t, func() bool { return c.Status().Sessions == 2 }, waitFor, 10*time.Millisecond)
}

func TestClient_NullEnvelopeEndsSession(t *testing.T) {
	state := bridge.NewState(0)
	ln, c := startClient(t, state)

	first := accept(t, ln)
	first.recv()
	first.send(`null`)

	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := first.conn.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF, "null is not treated as a heartbeat")

	second := accept(t, ln)
	second.recv()
	require.Eventually(t, func() bool { return c.Status().Sessions == 2 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, state.Pending())
}

func TestClient_RetriesWhilePeerDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient(Config{Host: "127.0.0.1", Port: port, RetryDelay: 10 * time.Millisecond}, bridge.NewState(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Status().LastError != "" }, waitFor, 10*time.Millisecond)
	assert.False(t, c.Status().Connected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("client did not stop")
	}
}

func TestClient_ShutdownDuringReceive(t *testing.T) {
	state := bridge.NewState(0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := NewClient(Config{
		Host:        "127.0.0.1",
		Port:        ln.Addr().(*net.TCPAddr).Port,
		ReadTimeout: time.Minute,
	}, state)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	p := accept(t, ln)
	p.recv()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run blocked in receive after cancel")
	}
	assert.False(t, c.Status().Connected)
}

func TestClient_LocalAddress(t *testing.T) {
	c := NewClient(Config{InfoAddress: "192.168.0.10"}, bridge.NewState(0))
	assert.Equal(t, "192.168.0.10", c.localAddress())

	c = NewClient(Config{}, bridge.NewState(0))
	assert.NotEmpty(t, c.localAddress())
}
