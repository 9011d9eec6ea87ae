package bridge

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrMissingPayload = errors.New("missing msg_data value")
	ErrPayloadType    = errors.New("msg_data value is not a string")
	ErrEmptyPayload   = errors.New("msg_data value is empty")
)

// Translate maps an envelope to serial wire commands. The checks are
// independent, so one envelope can yield several commands. On error the
// commands produced before the failing token are still returned.
func Translate(env Envelope) ([]string, error) {
	var cmds []string

	if env.Has(CmdGPS) {
		cmds = append(cmds, CmdGPS)
	}
	if env.Has(CmdIMU) {
		cmds = append(cmds, CmdIMU)
	}

	if env.Has(CmdMotor) {
		v, ok := env.MsgData[CmdMotor]
		if !ok {
			return cmds, fmt.Errorf("%s: %w", CmdMotor, ErrMissingPayload)
		}
		switch v {
		case "START":
			cmds = append(cmds, WireMotorStart)
		case "STOP":
			cmds = append(cmds, WireMotorStop)
		}
	}

	if env.Has(CmdSetMode) {
		v, ok := env.MsgData[CmdSetMode]
		if !ok {
			return cmds, fmt.Errorf("%s: %w", CmdSetMode, ErrMissingPayload)
		}
		switch v {
		case "RMT":
			cmds = append(cmds, WireRemoteMode)
		case "MAN":
			// reserved
		}
	}

	if env.Has(CmdManualKey) {
		raw, err := env.stringValue(CmdManualKey)
		if err != nil {
			return cmds, err
		}
		if raw == "" {
			return cmds, fmt.Errorf("%s: %w", CmdManualKey, ErrEmptyPayload)
		}
		_, size := utf8.DecodeRuneInString(raw)
		cmds = append(cmds, fmt.Sprintf(manualKeyFormat, raw[:size], raw[size:]))
	}

	if env.Has(CmdManualLine) {
		key := CmdManualLine
		if _, ok := env.MsgData[key]; !ok {
			key = legacyManualLineKey
		}
		line, err := env.stringValue(key)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, line)
	}

	return cmds, nil
}

func (e Envelope) stringValue(key string) (string, error) {
	v, ok := e.MsgData[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrMissingPayload)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: %w (got %T)", key, ErrPayloadType, v)
	}
	return s, nil
}
