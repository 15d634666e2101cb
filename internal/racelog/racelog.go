// Package racelog records race results to CSV files.
package racelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/track"
)

var log = logrus.WithField("component", "racelog")

// Logger writes one row per results frame, rotating files by row count.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	DefaultPath    = "/var/log/k1timer"
	maxRowsPerFile = 10_000
)

var csvHeader = func() []string {
	h := []string{"timestamp", "id", "port"}
	for l := k1.LaneA; l <= k1.LaneF; l++ {
		p := strings.ToLower(string(l.Letter()))
		h = append(h, p+"_place", p+"_time", p+"_masked")
	}
	return append(h, "offset_ties", "eliminator")
}()

func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: maxRowsPerFile,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Publish implements track.Sink. Frames other than results are ignored.
func (l *Logger) Publish(fr track.Frame) error {
	if fr.Type != track.FrameResults || fr.Result == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return nil
	}

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(fr.Stamp); err != nil {
			return fmt.Errorf("racelog: rotate: %w", err)
		}
	}

	if err := l.writer.Write(buildRow(fr)); err != nil {
		return fmt.Errorf("racelog: write: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("racelog: flush: %w", err)
	}
	l.rows++
	return nil
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("k1_results_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(fr track.Frame) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row, fr.Stamp.Format(time.RFC3339Nano), fr.ID.String(), fr.Port)
	for _, lr := range fr.Result.LaneResults {
		place := ""
		if lr.Place != k1.NoPlace {
			place = strconv.Itoa(int(lr.Place))
		}
		row = append(row, place, fmt.Sprintf("%.3f", lr.Time), boolStr(lr.WasMasked))
	}
	return append(row, boolStr(fr.Result.OffsetResultsForTies), boolStr(fr.Result.UseEliminatorMode))
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
