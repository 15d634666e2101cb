package k1

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDeviceCommunication is returned when a timer cannot be brought up.
var ErrDeviceCommunication = errors.New("k1: device communication failed")

const (
	// OffsetResultsForTiesDefault is used when no option is configured.
	OffsetResultsForTiesDefault = true
	// EliminatorModeDefault is used when no option is configured.
	EliminatorModeDefault = false
)

// TimerConfig holds connection settings and scoring defaults for a Timer.
type TimerConfig struct {
	PortName        string
	BaudRate        int
	ResponseTimeout time.Duration
	Opener          Opener

	OffsetResultsForTies bool
	EliminatorMode       bool

	// OnEvent, if set, is subscribed before the startup sequence runs, so it
	// also sees notifications the device sends while the timer comes up.
	OnEvent func(Event)
}

// DefaultTimerConfig returns factory connection settings for portName.
func DefaultTimerConfig(portName string) TimerConfig {
	return TimerConfig{
		PortName:             portName,
		BaudRate:             DefaultBaudRate,
		ResponseTimeout:      DefaultResponseTimeout,
		OffsetResultsForTies: OffsetResultsForTiesDefault,
		EliminatorMode:       EliminatorModeDefault,
	}
}

// EventType distinguishes timer notifications.
type EventType int

const (
	EventResults EventType = iota
	EventCleared
)

func (t EventType) String() string {
	if t == EventCleared {
		return "cleared"
	}
	return "results"
}

// Event is delivered to subscribers on the timer's worker goroutine.
type Event struct {
	Type   EventType
	Result RaceResult // set for EventResults
	At     time.Time
}

// Timer is a session with one K1 device. It caches the feature flags and
// the last mode read, and raises events for race results and resets.
type Timer struct {
	port       *Port
	dispatcher *dispatcher

	cleared *RaceClearedResponse
	results *RaceResultsResponse

	offsetDefault     bool
	eliminatorDefault bool

	mu                 sync.RWMutex
	features           FeatureSet
	mode               DeviceMode
	offsetForTies      bool
	laneCount          int
	lastResultsCleared bool
	autoResetLastValue float64
	subscribers        map[int]func(Event)
	nextSubscriberID   int
}

// NewTimer opens the port and brings the device to a known state: features
// are queried, the configured defaults restored, the physical lane count
// detected and the race cleared. On any failure the port is closed and an
// error wrapping ErrDeviceCommunication is returned.
func NewTimer(cfg TimerConfig) (*Timer, error) {
	t := &Timer{
		offsetDefault:     cfg.OffsetResultsForTies,
		eliminatorDefault: cfg.EliminatorMode,
		offsetForTies:     cfg.OffsetResultsForTies,
		mode:              defaultMode(),
		subscribers:       make(map[int]func(Event)),
	}
	t.cleared = NewRaceClearedResponse(t.onCleared)
	t.results = NewRaceResultsResponse(t.onResults)
	t.port = NewPort(PortConfig{
		Name:            cfg.PortName,
		BaudRate:        cfg.BaudRate,
		ResponseTimeout: cfg.ResponseTimeout,
		Opener:          cfg.Opener,
	}, t.cleared, t.results)
	t.dispatcher = newDispatcher()
	if cfg.OnEvent != nil {
		t.Subscribe(cfg.OnEvent)
	}

	if err := t.start(); err != nil {
		t.Close()
		return nil, err
	}
	log.Infof("timer on %s ready: %d lanes, features %s", cfg.PortName, t.LastDetectedPhysicalLaneCount(), t.featureSummary())
	return t, nil
}

func (t *Timer) start() error {
	if err := t.port.Open(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCommunication, err)
	}
	if !t.UpdateFeatureList() {
		return fmt.Errorf("%w: no features response on %s", ErrDeviceCommunication, t.port.Name())
	}
	// Not checked: RestoreDefaults below applies the same value again.
	t.SetEliminatorMode(t.eliminatorDefault)

	if !t.RestoreDefaults() {
		return fmt.Errorf("%w: restoring defaults on %s", ErrDeviceCommunication, t.port.Name())
	}
	if t.DetectNumberOfDeviceLanes() < 0 {
		return fmt.Errorf("%w: detecting lanes on %s", ErrDeviceCommunication, t.port.Name())
	}
	if !t.ClearRace() {
		return fmt.Errorf("%w: clearing race on %s", ErrDeviceCommunication, t.port.Name())
	}
	return nil
}

// Close stops event delivery and closes the port. It must not be called
// from a subscriber.
func (t *Timer) Close() error {
	err := t.port.Close()
	t.dispatcher.stop()
	return err
}

// Port returns the underlying transport.
func (t *Timer) Port() *Port { return t.port }

// Subscribe registers fn for timer events and returns a func that removes it.
func (t *Timer) Subscribe(fn func(Event)) (cancel func()) {
	t.mu.Lock()
	id := t.nextSubscriberID
	t.nextSubscriberID++
	t.subscribers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Timer) send(cmd Command) bool { return t.port.Send(cmd) }

// UpdateFeatureList re-queries the feature flags. On failure the cache is
// left as it was.
func (t *Timer) UpdateFeatureList() bool {
	cmd := NewReturnFeaturesCommand()
	if !t.send(cmd) || !cmd.IsResponseSet() {
		return false
	}
	t.mu.Lock()
	t.features = cmd.Features()
	t.mu.Unlock()
	return true
}

// IsFeatureAvailable reports a cached feature flag.
func (t *Timer) IsFeatureAvailable(f Feature) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.features.Has(f)
}

// Features returns the cached feature flags.
func (t *Timer) Features() FeatureSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.features
}

// Mode returns the mode from the last successful mode read.
func (t *Timer) Mode() DeviceMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// GetSerialNumber returns the device serial number, or -1.
func (t *Timer) GetSerialNumber() int {
	cmd := NewReturnSerialNumberCommand()
	if !t.send(cmd) || !cmd.IsResponseSet() {
		return -1
	}
	return cmd.SerialNumber()
}

// DetectNumberOfDeviceLanes finds how many lanes the device implements by
// masking every lane and reading back which masks took. The previous masks
// are restored afterwards. Without the mask feature the logical maximum is
// returned; any failed command aborts with -1.
func (t *Timer) DetectNumberOfDeviceLanes() int {
	if !t.IsFeatureAvailable(FeatureMaskLane) {
		t.setLaneCount(MaxLaneCount)
		return MaxLaneCount
	}

	initial := NewReadModeCommand()
	if !t.send(initial) || !initial.IsResponseSet() {
		return -1
	}

	mask := NewMaskLaneCommand(LaneA)
	for l := LaneA; l <= LaneF; l++ {
		if initial.IsLaneMasked(l) {
			continue
		}
		mask.SetLane(l)
		if !t.send(mask) {
			return -1
		}
	}

	tested := NewReadModeCommand()
	if !t.send(tested) || !tested.IsResponseSet() {
		return -1
	}
	// The device only accepts masks on lanes it has.
	lane := int(LaneF)
	for lane > 0 && !tested.IsLaneMasked(Lane(lane)) {
		lane--
	}
	count := lane + 1

	if !t.send(NewResetLaneMasksCommand()) {
		return -1
	}
	for l := LaneA; l <= LaneF; l++ {
		if !initial.IsLaneMasked(l) {
			continue
		}
		mask.SetLane(l)
		if !t.send(mask) {
			return -1
		}
	}

	t.setLaneCount(count)
	return count
}

func (t *Timer) setLaneCount(n int) {
	t.mu.Lock()
	t.laneCount = n
	t.mu.Unlock()
}

// LastDetectedPhysicalLaneCount returns the result of the last successful
// lane detection, 0 if none ran.
func (t *Timer) LastDetectedPhysicalLaneCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.laneCount
}

// TestDeviceCommunication reads the mode to check the device answers.
func (t *Timer) TestDeviceCommunication() bool {
	return t.rereadMode()
}

// EndRace forces the device to report results now. Requires the
// force-print feature.
func (t *Timer) EndRace() bool {
	return t.IsFeatureAvailable(FeatureForcePrint) && t.send(NewForceResultsCommand())
}

// ClearRace resets the timer, and the laser gate when the device has one.
// Both commands are attempted.
func (t *Timer) ClearRace() bool {
	ok := t.send(NewResetTimerCommand())
	if t.IsFeatureAvailable(FeatureLaserReset) {
		ok = t.send(NewResetLaserGateCommand()) && ok
	}
	return ok
}

// RestoreDefaults applies the configured defaults: new data format,
// automatic reset off, the configured eliminator mode, no reversed lanes and
// no masks. Steps for features the device lacks are skipped. Every step is
// attempted even if an earlier one fails; the mode is re-read at the end.
func (t *Timer) RestoreDefaults() bool {
	t.mu.Lock()
	t.offsetForTies = t.offsetDefault
	t.mu.Unlock()

	ok := t.send(NewNewFormatCommand())
	ok = t.DisableAutomaticReset() && ok
	if t.IsFeatureAvailable(FeatureEliminator) {
		ok = t.SetEliminatorMode(t.eliminatorDefault) && ok
	}
	if t.IsFeatureAvailable(FeatureReverseLanes) {
		ok = t.send(NewReverseLanesCommand(0)) && ok
	}
	if t.IsFeatureAvailable(FeatureMaskLane) {
		ok = t.send(NewResetLaneMasksCommand()) && ok
	}
	return t.rereadMode() && ok
}

// SetLaneMasks clears all masks and masks the lanes marked true. Without
// the mask feature only the mode is re-read.
func (t *Timer) SetLaneMasks(masks [MaxLaneCount]bool) bool {
	if t.IsFeatureAvailable(FeatureMaskLane) {
		if !t.send(NewResetLaneMasksCommand()) {
			return false
		}
		for l := LaneA; l <= LaneF; l++ {
			if masks[l] && !t.send(NewMaskLaneCommand(l)) {
				return false
			}
		}
	}
	return t.rereadMode()
}

// IsMaskSet reports the cached mask of a lane.
func (t *Timer) IsMaskSet(l Lane) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode.LaneMasked[l]
}

// EnableAutomaticReset sets the delay after which the device resets itself
// and returns the delay actually applied, or -1 on failure.
func (t *Timer) EnableAutomaticReset(seconds float64) float64 {
	cmd := NewSetAutomaticResetTimeCommand(seconds)
	applied := cmd.ResetTime()
	if !t.send(cmd) {
		return -1
	}
	t.mu.Lock()
	t.autoResetLastValue = applied
	t.mu.Unlock()
	return applied
}

// DisableAutomaticReset turns the automatic reset off.
func (t *Timer) DisableAutomaticReset() bool {
	if !t.send(NewDisableAutomaticResetCommand()) {
		return false
	}
	t.mu.Lock()
	t.autoResetLastValue = 0
	t.mu.Unlock()
	return true
}

// AutomaticResetLastValueSet returns the last applied automatic reset delay,
// 0 when disabled.
func (t *Timer) AutomaticResetLastValueSet() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.autoResetLastValue
}

// ReverseLanes reverses the numbering of the first count lanes; 0 turns
// reversing off. Requires the reverse-lanes feature.
func (t *Timer) ReverseLanes(count LaneCount) bool {
	return t.IsFeatureAvailable(FeatureReverseLanes) &&
		t.send(NewReverseLanesCommand(count)) &&
		t.rereadMode()
}

// AreLanesReversed reports the cached reversed flag.
func (t *Timer) AreLanesReversed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode.LanesReversed
}

// NumberOfReversedLanes reports the cached reversed lane count.
func (t *Timer) NumberOfReversedLanes() LaneCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode.ReversedLaneCount
}

// SetEliminatorMode switches eliminator scoring on the device. Requires the
// eliminator feature.
func (t *Timer) SetEliminatorMode(on bool) bool {
	if !t.IsFeatureAvailable(FeatureEliminator) {
		return false
	}
	var cmd Command = NewDisableEliminatorCommand()
	if on {
		cmd = NewEnableEliminatorCommand()
	}
	return t.send(cmd) && t.rereadMode()
}

// IsEliminatorModeEnabled reports the cached eliminator flag.
func (t *Timer) IsEliminatorModeEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode.EliminatorMode
}

// OffsetResultsForTies reports whether ties consume a place. This is a
// local scoring option; nothing is sent to the device.
func (t *Timer) OffsetResultsForTies() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offsetForTies
}

func (t *Timer) SetOffsetResultsForTies(on bool) {
	t.mu.Lock()
	t.offsetForTies = on
	t.mu.Unlock()
}

// LastResultsCleared reports whether a race-cleared notification arrived
// after the last results.
func (t *Timer) LastResultsCleared() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResultsCleared
}

// rereadMode refreshes the cached mode. The cache is replaced as a whole and
// only from a fully parsed response.
func (t *Timer) rereadMode() bool {
	cmd := NewReadModeCommand()
	if !t.send(cmd) || !cmd.IsResponseSet() {
		return false
	}
	t.mu.Lock()
	t.mode = cmd.Mode()
	t.mu.Unlock()
	return true
}

// onResults runs on the reader goroutine; the work is handed to the
// dispatcher so subscribers may send commands.
func (t *Timer) onResults(resp RaceResultsResponse) {
	at := time.Now()
	t.dispatcher.post(func() {
		t.mu.Lock()
		rr := NewRaceResult(resp, t.mode.LaneMasked, t.offsetForTies, t.mode.EliminatorMode)
		t.lastResultsCleared = false
		t.mu.Unlock()
		t.publish(Event{Type: EventResults, Result: rr, At: at})
	})
}

func (t *Timer) onCleared() {
	at := time.Now()
	t.dispatcher.post(func() {
		t.mu.Lock()
		t.lastResultsCleared = true
		t.mu.Unlock()
		t.publish(Event{Type: EventCleared, At: at})
	})
}

func (t *Timer) publish(ev Event) {
	t.mu.RLock()
	subs := make([]func(Event), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (t *Timer) featureSummary() string {
	fs := t.Features()
	s := ""
	for f := Feature(0); f < FeatureCount; f++ {
		if fs.Has(f) {
			if s != "" {
				s += ","
			}
			s += f.String()
		}
	}
	if s == "" {
		return "none"
	}
	return s
}
