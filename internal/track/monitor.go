// Package track keeps the race-day connection to the timer and hands its
// results to the rest of the system.
package track

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/portscan"
)

var (
	// ErrNoPort is returned when no timer port is configured or found.
	ErrNoPort = errors.New("track: no timer port found")
	// ErrNotInitialized is returned when no timer is connected.
	ErrNotInitialized = errors.New("track: timer not initialized")
)

var log = logrus.WithField("component", "track")

// Frame types.
const (
	FrameResults = "results"
	FrameCleared = "cleared"
)

// Frame is one timer notification as sent to sinks.
type Frame struct {
	ID     uuid.UUID      `json:"id"`
	Type   string         `json:"type"`
	Stamp  time.Time      `json:"stamp"`
	Port   string         `json:"port"`
	Result *k1.RaceResult `json:"result,omitempty"`
}

// Sink receives frames. Publish is called from the timer's event worker and
// should not block for long.
type Sink interface {
	Publish(Frame) error
}

// SinkFunc adapts a func to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) Publish(fr Frame) error { return f(fr) }

// Config selects the timer to connect to.
type Config struct {
	// Timer settings. An empty PortName means the first Prolific adapter.
	Timer k1.TimerConfig
	// Discover lists candidate ports; default portscan.Prolific.
	Discover func() ([]portscan.PortInfo, error)
}

// Monitor owns at most one live timer connection.
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	timer *k1.Timer
	port  portscan.PortInfo

	sinkMu sync.RWMutex
	sinks  []Sink
	last   *Frame
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Discover == nil {
		cfg.Discover = portscan.Prolific
	}
	return &Monitor{cfg: cfg}
}

// AddSink registers a sink for every following frame.
func (m *Monitor) AddSink(s Sink) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinkMu.Unlock()
}

// Initialize connects to the timer unless a connection is already live, and
// returns the port in use. Sinks receive frames from the moment the port is
// opened, including any the device sends during the startup sequence.
func (m *Monitor) Initialize() (portscan.PortInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		return m.port, nil
	}
	return m.connect()
}

// NewConnection drops the live connection, if any, and connects again.
func (m *Monitor) NewConnection() (portscan.PortInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect()
	return m.connect()
}

func (m *Monitor) connect() (portscan.PortInfo, error) {
	port, err := m.selectPort()
	if err != nil {
		return port, err
	}

	cfg := m.cfg.Timer
	cfg.PortName = port.PortName
	cfg.OnEvent = func(ev k1.Event) { m.dispatch(port.PortName, ev) }
	timer, err := k1.NewTimer(cfg)
	if err != nil {
		log.Warnf("connect %s: %v", port.PortName, err)
		return port, err
	}

	m.timer, m.port = timer, port
	log.Infof("timer connected on %s (%d lanes)", port.PortName, timer.LastDetectedPhysicalLaneCount())
	return port, nil
}

func (m *Monitor) selectPort() (portscan.PortInfo, error) {
	if name := m.cfg.Timer.PortName; name != "" {
		return portscan.PortInfo{PortName: name, Description: "(configured)"}, nil
	}
	ports, err := m.cfg.Discover()
	if err != nil {
		return portscan.PortInfo{}, fmt.Errorf("%w: %w", ErrNoPort, err)
	}
	if len(ports) == 0 {
		return portscan.PortInfo{}, ErrNoPort
	}
	return ports[0], nil
}

func (m *Monitor) disconnect() {
	if m.timer == nil {
		return
	}
	if err := m.timer.Close(); err != nil {
		log.Warnf("close %s: %v", m.port.PortName, err)
	}
	m.timer = nil
	m.port = portscan.PortInfo{}
}

// Close drops the live connection.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.disconnect()
	m.mu.Unlock()
}

// Timer returns the live timer.
func (m *Monitor) Timer() (*k1.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return nil, ErrNotInitialized
	}
	return m.timer, nil
}

// Port returns the port of the live connection.
func (m *Monitor) Port() (portscan.PortInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port, m.timer != nil
}

func (m *Monitor) withTimer(op func(*k1.Timer) bool) bool {
	t, err := m.Timer()
	if err != nil {
		return false
	}
	return op(t)
}

// TestConnection checks the timer still answers.
func (m *Monitor) TestConnection() bool {
	return m.withTimer((*k1.Timer).TestDeviceCommunication)
}

// EndRace forces the timer to report the current race.
func (m *Monitor) EndRace() bool {
	return m.withTimer((*k1.Timer).EndRace)
}

// ClearRace resets the timer for the next race.
func (m *Monitor) ClearRace() bool {
	return m.withTimer((*k1.Timer).ClearRace)
}

// LastResults returns the most recent results frame.
func (m *Monitor) LastResults() (Frame, bool) {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	if m.last == nil {
		return Frame{}, false
	}
	return *m.last, true
}

func (m *Monitor) dispatch(port string, ev k1.Event) {
	fr := Frame{
		ID:    uuid.New(),
		Type:  FrameCleared,
		Stamp: ev.At,
		Port:  port,
	}
	if ev.Type == k1.EventResults {
		rr := ev.Result
		fr.Type = FrameResults
		fr.Result = &rr
	}

	m.sinkMu.Lock()
	if fr.Type == FrameResults {
		m.last = &fr
	}
	sinks := append([]Sink(nil), m.sinks...)
	m.sinkMu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(fr); err != nil {
			log.Warnf("publish %s frame %s: %v", fr.Type, fr.ID, err)
		}
	}
}
