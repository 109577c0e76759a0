package task

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const runLogTimeLayout = "20060102T150405.000Z"

// LogFiles creates one log file per run under a base directory:
// {dir}/{task}/{task}_{start}.log with the start time in UTC.
type LogFiles struct {
	dir string
}

func NewLogFiles(dir string) *LogFiles {
	return &LogFiles{dir: dir}
}

func (l *LogFiles) Dir() string { return l.dir }

// Path returns the file name of the run of task starting at start.
func (l *LogFiles) Path(task string, start time.Time) string {
	name := safeName(task)
	return filepath.Join(l.dir, name, name+"_"+start.UTC().Format(runLogTimeLayout)+".log")
}

// Create opens a new run log file. The caller closes it.
func (l *LogFiles) Create(task string, start time.Time) (*os.File, error) {
	p := l.Path(task, start)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}
	return f, nil
}

// Prune deletes run log files last written before cutoff and returns how many
// were removed.
func (l *LogFiles) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".log" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("failed to remove run log %s: %w", p, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func safeName(task string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, task)
}
