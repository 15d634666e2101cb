package k1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrSimulatorOpen is returned when the simulator is opened twice.
var ErrSimulatorOpen = errors.New("k1: simulator already open")

// Simulator imitates a K1 on the other end of a serial line. Its Open
// method is an Opener, so a Port can be pointed at it in place of a device.
type Simulator struct {
	mu     sync.Mutex
	out    []byte
	wake   chan struct{}
	conn   *simConn
	writes []string
	muted  map[string]bool

	mode              DeviceMode
	features          FeatureSet
	serialNumber      int
	physicalLaneCount int
	chunkSize         int
}

// NewSimulator returns a four lane device with every feature present.
func NewSimulator() *Simulator {
	s := &Simulator{
		wake:  make(chan struct{}, 1),
		muted: make(map[string]bool),
	}
	s.ResetState()
	return s
}

// ResetState restores the power-on state: no masks, no reversing,
// eliminator off, new format, all features, four lanes.
func (s *Simulator) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = defaultMode()
	for i := range s.features {
		s.features[i] = true
	}
	s.serialNumber = 12345
	s.physicalLaneCount = 4
}

// SetPhysicalLaneCount sets how many lanes accept a mask.
func (s *Simulator) SetPhysicalLaneCount(n int) {
	s.mu.Lock()
	s.physicalLaneCount = n
	s.mu.Unlock()
}

// SetFeature sets one flag reported by RF.
func (s *Simulator) SetFeature(f Feature, on bool) {
	s.mu.Lock()
	if f >= 0 && int(f) < FeatureCount {
		s.features[f] = on
	}
	s.mu.Unlock()
}

func (s *Simulator) SetSerialNumber(n int) {
	s.mu.Lock()
	s.serialNumber = n
	s.mu.Unlock()
}

// SetChunkSize limits how many bytes a single Read returns, to exercise
// responses split across reads. 0 means unlimited.
func (s *Simulator) SetChunkSize(n int) {
	s.mu.Lock()
	s.chunkSize = n
	s.mu.Unlock()
}

// Mute makes the simulator swallow a command without replying.
func (s *Simulator) Mute(code string, muted bool) {
	s.mu.Lock()
	if muted {
		s.muted[code] = true
	} else {
		delete(s.muted, code)
	}
	s.mu.Unlock()
}

// Mode returns the simulated device state.
func (s *Simulator) Mode() DeviceMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Writes returns every command received so far.
func (s *Simulator) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// IsOpen reports whether a connection is open.
func (s *Simulator) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Open implements Opener.
func (s *Simulator) Open(name string, _ *serial.Mode) (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil, fmt.Errorf("%w: %s", ErrSimulatorOpen, name)
	}
	s.out = s.out[:0]
	s.conn = &simConn{sim: s, done: make(chan struct{})}
	return s.conn, nil
}

// TriggerCleared emits the race-cleared notification.
func (s *Simulator) TriggerCleared() { s.emit("@") }

// TriggerResults emits a results line as is.
func (s *Simulator) TriggerResults(line string) { s.emit(line) }

// RunRaces emits a random race every interval until ctx is done. Each
// result is followed by a race-cleared notification half an interval later.
func (s *Simulator) RunRaces(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.TriggerResults(s.randomRace())

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval / 2):
		}
		s.TriggerCleared()
	}
}

// randomRace builds a results line for the unmasked physical lanes.
func (s *Simulator) randomRace() string {
	s.mu.Lock()
	mode, lanes := s.mode, s.physicalLaneCount
	s.mu.Unlock()

	var times [MaxLaneCount]float64
	var places [MaxLaneCount]Place
	for i := range times {
		places[i] = NoPlace
		if i < lanes && !mode.LaneMasked[i] {
			times[i] = 2.5 + float64(rand.Intn(2000))/1000
		}
	}
	rr := Interpret(times, places, mode.LaneMasked, false, mode.EliminatorMode)
	for i, lr := range rr.LaneResults {
		places[i] = lr.Place
	}
	return FormatResults(times, places)
}

func (s *Simulator) emit(data string) {
	s.mu.Lock()
	open := s.conn != nil
	if open {
		s.out = append(s.out, data...)
	}
	s.mu.Unlock()
	if open {
		s.signal()
	}
}

func (s *Simulator) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// handle applies one command and returns the device's reply.
func (s *Simulator) handle(msg string) string {
	ack := msg + "\r\n*\r\n"
	switch {
	case len(msg) == 2 && msg[0] == 'M' && msg[1] >= 'A' && msg[1] <= 'F':
		lane := int(msg[1] - 'A')
		if lane < s.physicalLaneCount {
			s.mode.LaneMasked[lane] = true
		}
		return ack
	case len(msg) == 3 && strings.HasPrefix(msg, "RL") && msg[2] >= '0' && msg[2] <= '6':
		s.mode.ReversedLaneCount = LaneCount(msg[2] - '0')
		s.mode.LanesReversed = s.mode.ReversedLaneCount != 0
		return ack
	case len(msg) == 3 && strings.HasPrefix(msg, "LX") && msg[2] >= 'A' && msg[2] <= 'P':
		return ack
	}

	switch msg {
	case "MG":
		s.mode.LaneMasked = [MaxLaneCount]bool{}
		return "MG\r\nAC"
	case "LE":
		s.mode.EliminatorMode = true
		return ack
	case "RE":
		s.mode.EliminatorMode = false
		return ack
	case "N0":
		s.mode.DataFormat = FormatOld
		return ack
	case "N1":
		s.mode.DataFormat = FormatNew
		return ack
	case "RF":
		var sb strings.Builder
		sb.WriteString("RF\r\n")
		for i, on := range s.features {
			if i == 4 {
				sb.WriteByte(' ')
			}
			sb.WriteByte(bit(on))
		}
		sb.WriteString("\r\n*\r\n")
		return sb.String()
	case "RS":
		return fmt.Sprintf("RS\r\n%05d\r\n", s.serialNumber)
	case "RM":
		var masks [MaxLaneCount]byte
		for i, m := range s.mode.LaneMasked {
			masks[i] = bit(m)
		}
		return fmt.Sprintf("RM\r\n%d %s %c %c %d\r\n*\r\n",
			s.mode.ReversedLaneCount, masks[:], bit(s.mode.LanesReversed),
			bit(s.mode.EliminatorMode), int(s.mode.DataFormat))
	case "RX", "RA", "LR":
		return ack
	}
	return msg + "\r\nX\r\n"
}

func bit(b bool) byte {
	if b {
		return '1'
	}
	return '0'
}

// simConn is one open connection to a Simulator.
type simConn struct {
	sim       *Simulator
	done      chan struct{}
	closeOnce sync.Once
}

func (c *simConn) Read(p []byte) (int, error) {
	s := c.sim
	for {
		s.mu.Lock()
		if s.conn != c {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if len(s.out) > 0 {
			n := len(s.out)
			if s.chunkSize > 0 && n > s.chunkSize {
				n = s.chunkSize
			}
			n = copy(p, s.out[:n])
			s.out = append(s.out[:0], s.out[n:]...)
			more := len(s.out) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-c.done:
			return 0, io.EOF
		}
	}
}

func (c *simConn) Write(p []byte) (int, error) {
	s := c.sim
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	msg := string(p)
	s.writes = append(s.writes, msg)
	if !s.muted[msg] {
		s.out = append(s.out, s.handle(msg)...)
	}
	s.mu.Unlock()
	s.signal()
	return len(p), nil
}

func (c *simConn) Close() error {
	c.closeOnce.Do(func() {
		s := c.sim
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()
		close(c.done)
	})
	return nil
}
