package k1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signaled(e *expectation) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func TestMatcherSplitAcknowledgement(t *testing.T) {
	m := NewMatcher()
	cmd := NewMaskLaneCommand(LaneA)
	e := m.expect(cmd)

	m.Receive([]byte("MA\r"))
	assert.Equal(t, "MA\r", m.Buffered(), "prefix is kept")
	assert.False(t, signaled(e))

	m.Receive([]byte("\n*\r\n"))
	assert.True(t, signaled(e))
	assert.True(t, cmd.IsResponseSet())
	assert.Empty(t, m.Buffered())
	assert.Empty(t, m.Expected(), "one-shot is removed once matched")
}

func TestMatcherDropsNoise(t *testing.T) {
	m := NewMatcher(NewRaceClearedResponse(nil))
	m.expect(NewReadModeCommand())

	m.Receive([]byte("XYZ"))
	assert.Empty(t, m.Buffered())
}

func TestMatcherKeepsTrailingPrefixAfterNoise(t *testing.T) {
	m := NewMatcher()
	m.expect(NewReadModeCommand())

	m.Receive([]byte("junkRM\r\n0 00"))
	assert.Equal(t, "RM\r\n0 00", m.Buffered())
}

func TestMatcherEarliestResponseFirst(t *testing.T) {
	var events []string
	cleared := NewRaceClearedResponse(func() { events = append(events, "cleared") })
	results := NewRaceResultsResponse(func(RaceResultsResponse) { events = append(events, "results") })
	m := NewMatcher(cleared, results)
	rx := NewResetTimerCommand()
	e := m.expect(rx)

	line := FormatResults([MaxLaneCount]float64{3.2, 3.1}, places(Second, First))
	m.Receive([]byte(line + "RX\r\n*\r\n@"))

	assert.Equal(t, []string{"results", "cleared"}, events)
	assert.True(t, signaled(e))
	assert.True(t, rx.IsResponseSet())
	assert.Empty(t, m.Buffered())
	assert.Len(t, m.Expected(), 2, "persistent responses stay registered")
}

func TestMatcherNoiseBeforeResponse(t *testing.T) {
	m := NewMatcher()
	cmd := NewReturnFeaturesCommand()
	m.expect(cmd)

	m.Receive([]byte("??RF\r\n1111 0110\r\n*\r\n"))

	require.True(t, cmd.IsResponseSet())
	fs := cmd.Features()
	assert.True(t, fs.Has(FeatureUnused))
	assert.True(t, fs.Has(FeatureForcePrint))
	assert.False(t, fs.Has(FeatureEliminator))
	assert.True(t, fs.Has(FeatureReverseLanes))
	assert.True(t, fs.Has(FeatureMaskLane))
	assert.False(t, fs.Has(FeatureSerialData))
}

func TestMatcherSettle(t *testing.T) {
	m := NewMatcher()
	cmd := NewResetTimerCommand()
	e := m.expect(cmd)

	assert.False(t, m.settle(e), "not matched")
	assert.Empty(t, m.Expected())
	assert.True(t, signaled(e))

	// a late acknowledgement finds nothing to fill in
	m.Receive([]byte("RX\r\n*\r\n"))
	assert.False(t, cmd.IsResponseSet())
}

func TestMatcherForget(t *testing.T) {
	cleared := NewRaceClearedResponse(nil)
	m := NewMatcher(cleared)
	m.Forget(cleared)
	assert.Empty(t, m.Expected())
}
