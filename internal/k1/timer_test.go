package k1

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func newSimTimer(t *testing.T, sim *Simulator) *Timer {
	t.Helper()
	cfg := DefaultTimerConfig("sim")
	cfg.Opener = sim.Open
	tm, err := NewTimer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tm.Close() })
	return tm
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no timer event")
	}
	return Event{}
}

func TestNewTimerSequence(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	assert.Equal(t, []string{
		"RF",
		"RE", "RM",
		"N1", "LXP", "RE", "RM", "RL0", "MG", "RM",
		"RM", "MA", "MB", "MC", "MD", "ME", "MF", "RM", "MG",
		"RX", "LR",
	}, sim.Writes())

	assert.Equal(t, 4, tm.LastDetectedPhysicalLaneCount())
	assert.Equal(t, [MaxLaneCount]bool{}, sim.Mode().LaneMasked, "detection leaves no masks behind")
	assert.True(t, tm.OffsetResultsForTies())
	assert.False(t, tm.IsEliminatorModeEnabled())
	assert.Equal(t, FormatNew, tm.Mode().DataFormat)
	assert.True(t, tm.IsFeatureAvailable(FeatureMaskLane))
	assert.Equal(t, 0.0, tm.AutomaticResetLastValueSet())
}

func TestNewTimerEliminatorDefault(t *testing.T) {
	sim := NewSimulator()
	cfg := DefaultTimerConfig("sim")
	cfg.Opener = sim.Open
	cfg.EliminatorMode = true
	cfg.OffsetResultsForTies = false

	tm, err := NewTimer(cfg)
	require.NoError(t, err)
	defer tm.Close()

	assert.True(t, tm.IsEliminatorModeEnabled())
	assert.False(t, tm.OffsetResultsForTies())
}

func TestNewTimerWithoutEliminator(t *testing.T) {
	sim := NewSimulator()
	sim.SetFeature(FeatureEliminator, false)
	tm := newSimTimer(t, sim)

	assert.False(t, tm.IsFeatureAvailable(FeatureEliminator))
	assert.NotContains(t, sim.Writes(), "RE")
	assert.NotContains(t, sim.Writes(), "LE")
	assert.True(t, tm.RestoreDefaults())
	assert.Equal(t, 4, tm.LastDetectedPhysicalLaneCount())
}

func TestNewTimerEventDuringStartup(t *testing.T) {
	sim := NewSimulator()
	events := make(chan Event, 4)

	cfg := DefaultTimerConfig("sim")
	cfg.Opener = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		conn, err := sim.Open(name, mode)
		if err == nil {
			sim.TriggerResults(FormatResults(
				[MaxLaneCount]float64{3.2, 3.1},
				places(Second, First),
			))
		}
		return conn, err
	}
	cfg.OnEvent = func(ev Event) { events <- ev }

	tm, err := NewTimer(cfg)
	require.NoError(t, err)
	defer tm.Close()

	ev := waitEvent(t, events)
	require.Equal(t, EventResults, ev.Type)
	assert.Equal(t, First, ev.Result.LaneResults[LaneB].Place)
	assert.Equal(t, Second, ev.Result.LaneResults[LaneA].Place)
}

func TestNewTimerFailures(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		cfg := DefaultTimerConfig("/dev/missing")
		cfg.Opener = func(string, *serial.Mode) (io.ReadWriteCloser, error) {
			return nil, errors.New("no device")
		}
		_, err := NewTimer(cfg)
		assert.ErrorIs(t, err, ErrDeviceCommunication)
		assert.ErrorIs(t, err, ErrPortOpen)
	})
	t.Run("silent device", func(t *testing.T) {
		sim := NewSimulator()
		sim.Mute("RF", true)
		cfg := DefaultTimerConfig("sim")
		cfg.Opener = sim.Open
		cfg.ResponseTimeout = 50 * time.Millisecond

		_, err := NewTimer(cfg)
		assert.ErrorIs(t, err, ErrDeviceCommunication)
		assert.False(t, sim.IsOpen(), "port is closed on failure")
	})
}

func TestDetectNumberOfDeviceLanes(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	require.True(t, tm.SetLaneMasks([MaxLaneCount]bool{false, true}))
	assert.True(t, tm.IsMaskSet(LaneB))

	sim.SetPhysicalLaneCount(6)
	assert.Equal(t, 6, tm.DetectNumberOfDeviceLanes())
	assert.Equal(t, [MaxLaneCount]bool{false, true}, sim.Mode().LaneMasked, "previous masks restored")

	sim.SetPhysicalLaneCount(2)
	assert.Equal(t, 2, tm.DetectNumberOfDeviceLanes())

	sim.SetFeature(FeatureMaskLane, false)
	require.True(t, tm.UpdateFeatureList())
	assert.Equal(t, MaxLaneCount, tm.DetectNumberOfDeviceLanes())
}

func TestTimerResultsEvent(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)
	require.True(t, tm.SetLaneMasks([MaxLaneCount]bool{false, false, false, true}))

	events := make(chan Event, 4)
	tm.Subscribe(func(ev Event) { events <- ev })

	sim.TriggerResults(FormatResults(
		[MaxLaneCount]float64{3.2, 3.1, 3.1},
		places(Third, First, First),
	))
	ev := waitEvent(t, events)
	require.Equal(t, EventResults, ev.Type)
	assert.Equal(t, First, ev.Result.LaneResults[LaneB].Place)
	assert.Equal(t, First, ev.Result.LaneResults[LaneC].Place)
	assert.Equal(t, Third, ev.Result.LaneResults[LaneA].Place, "tie consumes a place")
	assert.True(t, ev.Result.LaneResults[LaneD].WasMasked)
	assert.False(t, ev.Result.LaneResults[LaneE].WasMasked)
	assert.False(t, tm.LastResultsCleared())

	sim.TriggerCleared()
	ev = waitEvent(t, events)
	assert.Equal(t, EventCleared, ev.Type)
	assert.True(t, tm.LastResultsCleared())
}

func TestTimerSubscriberSendsCommand(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	done := make(chan bool, 1)
	tm.Subscribe(func(ev Event) {
		if ev.Type == EventCleared {
			done <- tm.ClearRace()
		}
	})

	sim.TriggerCleared()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("command from subscriber did not complete")
	}
}

func TestTimerUnsubscribe(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	events := make(chan Event, 4)
	cancel := tm.Subscribe(func(ev Event) { events <- ev })
	cancel()

	sim.TriggerCleared()
	require.True(t, tm.TestDeviceCommunication())
	require.Eventually(t, tm.LastResultsCleared, time.Second, 5*time.Millisecond)
	assert.Empty(t, events)
}

func TestTimerOperations(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	assert.Equal(t, 4.95, tm.EnableAutomaticReset(5.0))
	assert.Equal(t, 4.95, tm.AutomaticResetLastValueSet())
	assert.Contains(t, sim.Writes(), "LXC")
	assert.True(t, tm.DisableAutomaticReset())
	assert.Equal(t, 0.0, tm.AutomaticResetLastValueSet())

	assert.True(t, tm.ReverseLanes(3))
	assert.True(t, tm.AreLanesReversed())
	assert.Equal(t, LaneCount(3), tm.NumberOfReversedLanes())

	assert.True(t, tm.SetEliminatorMode(true))
	assert.True(t, tm.IsEliminatorModeEnabled())

	assert.Equal(t, 12345, tm.GetSerialNumber())
	sim.SetSerialNumber(987)
	assert.Equal(t, 987, tm.GetSerialNumber())
	assert.True(t, tm.EndRace())
	assert.True(t, tm.TestDeviceCommunication())

	assert.True(t, tm.RestoreDefaults())
	assert.False(t, tm.AreLanesReversed())
	assert.False(t, tm.IsEliminatorModeEnabled())
}

func TestTimerFeatureGates(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)

	sim.SetFeature(FeatureForcePrint, false)
	sim.SetFeature(FeatureEliminator, false)
	sim.SetFeature(FeatureReverseLanes, false)
	sim.SetFeature(FeatureLaserReset, false)
	require.True(t, tm.UpdateFeatureList())

	before := len(sim.Writes())
	assert.False(t, tm.EndRace())
	assert.False(t, tm.SetEliminatorMode(true))
	assert.False(t, tm.ReverseLanes(2))
	assert.Len(t, sim.Writes(), before, "gated operations send nothing")

	assert.True(t, tm.ClearRace())
	assert.Equal(t, "RX", sim.Writes()[len(sim.Writes())-1])
}

func TestTimerAutomaticResetFailure(t *testing.T) {
	sim := NewSimulator()
	tm := newSimTimer(t, sim)
	tm.Port().responseTimeout = 50 * time.Millisecond

	sim.Mute("LXC", true)
	assert.Equal(t, -1.0, tm.EnableAutomaticReset(5.0))
	assert.Equal(t, 0.0, tm.AutomaticResetLastValueSet())
}
