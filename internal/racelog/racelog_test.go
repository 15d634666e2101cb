package racelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/track"
)

func resultsFrame() track.Frame {
	var places [k1.MaxLaneCount]k1.Place
	for i := range places {
		places[i] = k1.NoPlace
	}
	rr := k1.Interpret([k1.MaxLaneCount]float64{3.2, 3.1}, places, [k1.MaxLaneCount]bool{false, false, true}, true, false)
	return track.Frame{
		ID:     uuid.New(),
		Type:   track.FrameResults,
		Stamp:  time.Date(2026, 5, 2, 10, 30, 0, 0, time.UTC),
		Port:   "/dev/ttyUSB0",
		Result: &rr,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestPublishWritesRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	defer l.Close()

	fr := resultsFrame()
	require.NoError(t, l.Publish(fr))
	require.NoError(t, l.Publish(track.Frame{Type: track.FrameCleared}))

	files, err := filepath.Glob(filepath.Join(dir, "k1_results_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows := readCSV(t, files[0])
	require.Len(t, rows, 2, "header plus one results row")
	assert.Equal(t, csvHeader, rows[0])

	row := rows[1]
	assert.Equal(t, "2026-05-02T10:30:00Z", row[0])
	assert.Equal(t, fr.ID.String(), row[1])
	assert.Equal(t, "/dev/ttyUSB0", row[2])
	assert.Equal(t, []string{"2", "3.200", "0"}, row[3:6])
	assert.Equal(t, []string{"1", "3.100", "0"}, row[6:9])
	assert.Equal(t, []string{"", "0.000", "1"}, row[9:12])
	assert.Equal(t, []string{"1", "0"}, row[len(row)-2:])
}

func TestPublishDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	assert.False(t, l.IsEnabled())

	require.NoError(t, l.Publish(resultsFrame()))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	l.SetEnabled(true)
	require.NoError(t, l.Publish(resultsFrame()))
	l.SetEnabled(false)
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPublishRotates(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.maxRows = 2
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Publish(resultsFrame()))
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
