package runs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/checkpoint"
)

type runFile struct {
	path    string
	modTime time.Time
}

// listRunFiles returns run files newest first by modification time.
func listRunFiles(dataDir, retailer string) ([]runFile, error) {
	entries, err := os.ReadDir(Dir(dataDir, retailer))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	files := make([]runFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		files = append(files, runFile{path: filepath.Join(Dir(dataDir, retailer), name), modTime: info.ModTime()})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// History returns up to limit runs, newest first. Unreadable files are skipped.
// A non-positive limit returns every run.
func History(dataDir, retailer string, limit int) ([]Metadata, error) {
	files, err := listRunFiles(dataDir, retailer)
	if err != nil {
		return nil, err
	}

	out := make([]Metadata, 0, len(files))
	for _, f := range files {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m Metadata
		if !checkpoint.Load(f.path, &m) {
			continue
		}
		m.ensureMaps()
		out = append(out, m)
	}
	return out, nil
}

// Latest returns the most recently modified run, or nil when there is none.
func Latest(dataDir, retailer string) (*Metadata, error) {
	history, err := History(dataDir, retailer, 1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[0], nil
}

// Active returns the newest run still marked running, or nil.
// Older running entries left behind by crashed processes are ignored.
func Active(dataDir, retailer string) (*Metadata, error) {
	history, err := History(dataDir, retailer, 0)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].Status == StatusRunning {
			return &history[i], nil
		}
	}
	return nil, nil
}

// Get loads one run's metadata.
func Get(dataDir, retailer, runID string) (*Metadata, error) {
	var m Metadata
	if !checkpoint.Load(Path(dataDir, retailer, runID), &m) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRunNotFound, retailer, runID)
	}
	m.ensureMaps()
	return &m, nil
}

// Cleanup deletes finished runs beyond the keep most recent. Running and
// paused runs are never deleted and do not count toward keep.
func Cleanup(dataDir, retailer string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	files, err := listRunFiles(dataDir, retailer)
	if err != nil {
		return 0, err
	}

	kept, removed := 0, 0
	for _, f := range files {
		var m Metadata
		if checkpoint.Load(f.path, &m) && !m.Status.IsTerminal() {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if rmErr := os.Remove(f.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return removed, fmt.Errorf("remove run %s: %w", filepath.Base(f.path), rmErr)
		}
		removed++
	}
	return removed, nil
}
