// Package persistence implements the durable event log and snapshot
// storage a controller needs for recovery (spec.md §4.2/§9). File
// operations go through afero so tests exercise recovery against an
// in-memory filesystem instead of real disk.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"duskex/internal/common"
)

// envelope is the on-disk wire shape for one logged event: a kind tag plus
// the JSON payload of the concrete event type, so replay can dispatch back
// to the right struct.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Journal appends every OrderAdded/OrderExecuted/OrderCanceled event for a
// single pair to a line-delimited JSON file, the event log spec.md §4.2
// calls the controller's recovery source of truth.
type Journal struct {
	fs   afero.Fs
	path string

	mu sync.Mutex
	f  afero.File
	w  *bufio.Writer
}

// OpenJournal opens (creating if absent) the journal file at path for
// appending.
func OpenJournal(fs afero.Fs, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{fs: fs, path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append persists ev. Controllers call this before applying the event to
// the in-memory book, per spec.md §4.2's "persist; apply; publish" order.
func (j *Journal) Append(ev common.Event) error {
	payload, kind, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	line, err := json.Marshal(envelope{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return j.w.Flush()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

// Reset truncates the journal to empty, used right after a successful
// snapshot save: every resident order is now captured in the snapshot, so
// replay only needs events logged from this point forward.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Close(); err != nil {
		return err
	}
	f, err := j.fs.OpenFile(j.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	return nil
}

// ReplayFrom reads every event logged at path (if it exists) and invokes fn
// for each, in log order. Used on controller startup after a snapshot is
// restored, replaying only events written after the snapshot was taken.
func ReplayFrom(fs afero.Fs, path string, fn func(common.Event) error) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	if !exists {
		return nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			return fmt.Errorf("decode journal line: %w", err)
		}
		ev, err := decodeEvent(env)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Remove deletes the journal file at path, used when a pair is deleted
// (spec.md §4.2 "Deletion of a pair").
func Remove(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}

func encodeEvent(ev common.Event) (json.RawMessage, string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event: %w", err)
	}
	return payload, ev.Kind().String(), nil
}

func decodeEvent(env envelope) (common.Event, error) {
	switch env.Kind {
	case "OrderAdded":
		var e common.OrderAdded
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode OrderAdded: %w", err)
		}
		return e, nil
	case "OrderExecuted":
		var e common.OrderExecuted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode OrderExecuted: %w", err)
		}
		return e, nil
	case "OrderCanceled":
		var e common.OrderCanceled
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode OrderCanceled: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown journal event kind %q", env.Kind)
	}
}
