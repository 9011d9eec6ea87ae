package device

import (
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Serial drivers selectable in Config.Driver.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
	DriverDemo  = "demo"
)

// Port is an open serial handle. Close must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the device at path.
type Opener func(path string, cfg Config) (Port, error)

// OpenerFor returns the opener for a driver name.
func OpenerFor(driver string) (Opener, error) {
	switch driver {
	case "", DriverBugst:
		return openBugst, nil
	case DriverTarm:
		return openTarm, nil
	case DriverDemo:
		return openDemo, nil
	default:
		return nil, fmt.Errorf("device: unknown serial driver %q", driver)
	}
}

func openBugst(path string, cfg Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("device: failed to set timeout on %s: %w", path, err)
	}
	return port, nil
}

func openTarm(path string, cfg Config) (Port, error) {
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        path,
		Baud:        cfg.BaudRate,
		Parity:      tarm.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", path, err)
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("device: failed to flush %s: %w", path, err)
	}
	return port, nil
}

func openDemo(path string, cfg Config) (Port, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}
	return NewSimulator(readTimeout), nil
}
