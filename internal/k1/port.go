package k1

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate        = 9600
	DefaultReadTimeout     = 500 * time.Millisecond
	DefaultResponseTimeout = 1000 * time.Millisecond

	closeWait = 2 * time.Second // max time Close waits for the reader to exit
)

var (
	// ErrPortOpen is returned when the physical channel cannot be opened.
	ErrPortOpen = errors.New("k1: failed to open port")
	// ErrPortNotOpen is returned when writing to a closed port.
	ErrPortNotOpen = errors.New("k1: port not open")
)

// Opener opens the physical channel behind a Port.
type Opener func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

// SerialOpener opens a real serial device.
func SerialOpener(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// PortConfig holds connection settings for a Port.
type PortConfig struct {
	Name            string
	BaudRate        int           // default 9600
	ResponseTimeout time.Duration // default 1s
	Opener          Opener        // default SerialOpener
}

// Port is a serial channel to a K1 that sends one command at a time and
// waits for its acknowledgement.
//
// Two locks are involved: sendMu keeps a single command in flight and is
// held across the wait; the matcher's lock guards the buffer and registry
// and is only held while scanning, so the reader never queues behind a
// waiting sender.
type Port struct {
	name            string
	mode            *serial.Mode
	opener          Opener
	responseTimeout time.Duration

	matcher *Matcher
	sendMu  sync.Mutex

	connMu     sync.Mutex
	conn       io.ReadWriteCloser
	readerDone chan struct{}

	// OnResponseTimeout is called when a command gets no response in time.
	// Set it before the port is used.
	OnResponseTimeout func(cmd Command)
	// OnWriteError is called when writing a command fails.
	OnWriteError func(cmd Command, err error)
}

// NewPort returns a closed port watching for the given persistent responses.
func NewPort(cfg PortConfig, persistent ...Response) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Opener == nil {
		cfg.Opener = SerialOpener
	}
	return &Port{
		name: cfg.Name,
		mode: &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		opener:          cfg.Opener,
		responseTimeout: cfg.ResponseTimeout,
		matcher:         NewMatcher(persistent...),
	}
}

func (p *Port) Name() string { return p.name }

// Matcher returns the matcher fed by this port's reader.
func (p *Port) Matcher() *Matcher { return p.matcher }

// ResponseTimeout returns how long Send waits for a response.
func (p *Port) ResponseTimeout() time.Duration { return p.responseTimeout }

// IsOpen reports whether the channel is open.
func (p *Port) IsOpen() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn != nil
}

// Open opens the channel if it is not already open and starts the reader.
func (p *Port) Open() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return nil
	}
	conn, err := p.opener(p.name, p.mode)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrPortOpen, p.name, err)
	}
	p.matcher.Reset()
	p.conn = conn
	p.readerDone = make(chan struct{})
	go p.readLoop(conn, p.readerDone)

	log.Infof("opened %s at %d baud", p.name, p.mode.BaudRate)
	return nil
}

// Close closes the channel. Closing a closed port does nothing.
func (p *Port) Close() error {
	p.connMu.Lock()
	conn, done := p.conn, p.readerDone
	p.conn, p.readerDone = nil, nil
	p.connMu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	select {
	case <-done:
	case <-time.After(closeWait):
		log.Warnf("reader of %s did not exit after close", p.name)
	}
	log.Infof("closed %s", p.name)
	return err
}

func (p *Port) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			log.Debugf("rx %q", buf[:n])
			p.matcher.Receive(buf[:n])
		}
		if err == nil {
			continue
		}

		p.connMu.Lock()
		current := p.conn == conn
		if current {
			p.conn, p.readerDone = nil, nil
		}
		p.connMu.Unlock()

		if current {
			// device went away underneath us
			log.Warnf("read %s: %v, closing", p.name, err)
			conn.Close()
		}
		return
	}
}

// Send writes cmd and blocks until its response is matched or the response
// timeout elapses. On timeout cmd's response data is reset. Send never
// retries.
func (p *Port) Send(cmd Command) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	e := p.matcher.expect(cmd)

	if err := p.write(cmd.CommandString()); err != nil {
		log.Warnf("write %s to %s: %v", cmd.CommandString(), p.name, err)
		if p.OnWriteError != nil {
			p.OnWriteError(cmd, err)
		}
	} else {
		t := time.NewTimer(p.responseTimeout)
		select {
		case <-e.done:
		case <-t.C:
		}
		t.Stop()
	}

	received := p.matcher.settle(e)
	if !received {
		cmd.ResetResponseData()
		log.Warnf("no response to %s from %s within %v", cmd.CommandString(), p.name, p.responseTimeout)
		if p.OnResponseTimeout != nil {
			p.OnResponseTimeout(cmd)
		}
	}
	return received
}

func (p *Port) write(s string) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return ErrPortNotOpen
	}
	log.Debugf("tx %q", s)
	_, err := io.WriteString(conn, s)
	return err
}
