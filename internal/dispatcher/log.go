package dispatcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"duskex/internal/common"
)

// createdEntry is one line of the dispatcher's OrderBookCreated log
// (spec.md §4.4/§6): the pair accepted and the time its controller was
// first created, enough to reconstitute openMarkets on recovery.
type createdEntry struct {
	AmountAsset common.Asset `json:"amountAsset"`
	PriceAsset  common.Asset `json:"priceAsset"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// appendOrderBookCreated persists one OrderBookCreated(pair) entry, per
// spec.md §4.4: "create the controller, persist an OrderBookCreated(pair)
// log entry, then forward."
func appendOrderBookCreated(fs afero.Fs, path string, pair common.AssetPair, createdAt time.Time) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("open dispatcher log: %w", err)
		}
	}
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dispatcher log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(createdEntry{AmountAsset: pair.AmountAsset, PriceAsset: pair.PriceAsset, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("marshal OrderBookCreated entry: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("append dispatcher log: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("append dispatcher log: %w", err)
	}
	return w.Flush()
}

// replayOrderBookCreated reads every OrderBookCreated entry logged at path,
// in log order, reconstituting the set a dispatcher had open before a
// restart. A missing file means no pair was ever created and replays as
// empty, not an error.
func replayOrderBookCreated(fs afero.Fs, path string) ([]createdEntry, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("replay dispatcher log: %w", err)
	}
	if !exists {
		return nil, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay dispatcher log: %w", err)
	}
	defer f.Close()

	var out []createdEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var entry createdEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("decode dispatcher log line: %w", err)
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
