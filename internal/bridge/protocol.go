package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Command tokens carried in Envelope.Cmd.
const (
	CmdGPS        = "GPS"
	CmdIMU        = "IMU"
	CmdMotor      = "MTRCMD"
	CmdSetMode    = "SETMODE"
	CmdManualKey  = "MANKEYCMD"
	CmdManualLine = "MANLINECMD"

	// legacyManualLineKey is the msg_data key older peers use for MANLINECMD.
	legacyManualLineKey = "MANLINECM"
)

// Status is the outbound payload status. The zero value is sent as null.
type Status string

const (
	StatusNone      Status = ""
	StatusConnected Status = "CONNECTEDTOSERVER"
	StatusResponse  Status = "RESPONSE"
	StatusRemote    Status = "REMOTE"
)

// Outbound msg_data keys.
const (
	FieldInfo         = "INFO"
	FieldGPS          = "GPSRESPONSE"
	FieldIMU          = "IMURESPONSE"
	FieldRemoteVerify = "REMOTE_VERIFY"
)

// Serial wire commands.
const (
	WireGPS         = "D,s,4,GPS,*\r\n"
	WireIMU         = "D,s,4,IMU,*\r\n"
	WireMotorStart  = "D,s,ESTART,*,\r\n"
	WireMotorStop   = "D,s,ESTOP,*,\r\n"
	WireRemoteMode  = "D,s,5,RC,*,\r\n"
	manualKeyFormat = "D,s,3,%s,%s,*,\r\n"
)

// Envelope is a command message received from the network peer.
type Envelope struct {
	Cmd     []string       `json:"cmd"`
	MsgData map[string]any `json:"msg_data"`
}

// ErrNotObject is returned for envelopes that are valid JSON but not an object.
var ErrNotObject = errors.New("bridge: envelope is not a JSON object")

// DecodeEnvelope parses one envelope. Anything but a JSON object, including
// null, is rejected.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '{' {
		return Envelope{}, ErrNotObject
	}
	return env, nil
}

// Has reports whether token is present in Cmd.
func (e Envelope) Has(token string) bool {
	for _, c := range e.Cmd {
		if c == token {
			return true
		}
	}
	return false
}

// IsHeartbeat reports whether the envelope carries no command tokens.
func (e Envelope) IsHeartbeat() bool { return len(e.Cmd) == 0 }

// Payload is the JSON status report sent to the network peer.
type Payload struct {
	Status         *Status        `json:"status"`
	AvailablePorts []string       `json:"available_ports"`
	MsgData        map[string]any `json:"msg_data"`
}

// Handshake returns the payload announcing a fresh connection.
func Handshake() Payload {
	st := StatusConnected
	return Payload{
		Status:         &st,
		AvailablePorts: []string{},
		MsgData:        map[string]any{},
	}
}

// Trivial reports whether the payload carries nothing beyond the periodic
// connected status and INFO address.
func (p Payload) Trivial() bool {
	if p.Status != nil && *p.Status != StatusConnected {
		return false
	}
	for k := range p.MsgData {
		if k != FieldInfo {
			return false
		}
	}
	return true
}

// WireBytes expands canonical tokens to their fixed byte sequence and returns
// every other command verbatim.
func WireBytes(cmd string) []byte {
	switch cmd {
	case CmdGPS:
		return []byte(WireGPS)
	case CmdIMU:
		return []byte(WireIMU)
	default:
		return []byte(cmd)
	}
}

// Event kinds published to an Observer.
const (
	EventCommand   = "command"
	EventWrite     = "serial_write"
	EventTelemetry = "telemetry"
	EventSent      = "status_sent"
	EventLink      = "link"
	EventSession   = "session"
)

// Event describes something that happened on either side of the bridge.
type Event struct {
	Kind   string    `json:"kind"`
	Source string    `json:"source"`
	Data   string    `json:"data"`
	Time   time.Time `json:"time"`
}

// Observer receives bridge events. A nil Observer discards them.
type Observer func(Event)

// Emit sends an event to o if o is set.
func (o Observer) Emit(kind, source, data string) {
	if o == nil {
		return
	}
	o(Event{Kind: kind, Source: source, Data: data, Time: time.Now()})
}
