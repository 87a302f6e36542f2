package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"duskex/internal/common"
)

// Snapshot is the serialized form of an order book at a point in time: the
// full set of resident limit orders, enough to rebuild both sides and the
// cancellation index via book.Add (spec.md §4.2's periodic snapshot).
type Snapshot struct {
	Orders []common.LimitOrder `json:"orders"`
}

const snapshotPrefix = "snapshot-"

// SaveSnapshot writes snap as a new timestamped file under dir and deletes
// every previously saved snapshot in dir, per spec.md §4.2: "delete prior
// snapshots and save the current book as a new snapshot".
func SaveSnapshot(fs afero.Fs, dir string, snap Snapshot, at time.Time) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	if err := removeSnapshots(fs, dir); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}

	name := fmt.Sprintf("%s%d.json", snapshotPrefix, at.UnixNano())
	path := filepath.Join(dir, name)
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// LoadLatestSnapshot returns the most recent snapshot in dir, or ok=false
// if none exists. Failures to list, read or decode a snapshot are returned
// as errors; the controller's recovery path stops on them.
func LoadLatestSnapshot(fs afero.Fs, dir string) (snap Snapshot, ok bool, err error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("list snapshots: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), snapshotPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Snapshot{}, false, nil
	}
	sort.Strings(names) // timestamp suffix sorts lexicographically
	latest := names[len(names)-1]

	data, err := afero.ReadFile(fs, filepath.Join(dir, latest))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func removeSnapshots(fs afero.Fs, dir string) error {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), snapshotPrefix) {
			if err := fs.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveAll deletes every snapshot in dir, used when a pair is deleted.
func RemoveAll(fs afero.Fs, dir string) error {
	return removeSnapshots(fs, dir)
}
