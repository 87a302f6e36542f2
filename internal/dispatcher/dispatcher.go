// Package dispatcher implements the MatcherDispatcher (spec.md §4.4): it
// owns the set of known trading pairs, enforces canonical pair
// orientation, lazily creates per-pair controllers, and serves market
// metadata.
package dispatcher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"duskex/internal/common"
	"duskex/internal/controller"
	"duskex/internal/settlement"
	"duskex/internal/validator"

	"github.com/spf13/afero"
)

var (
	// ErrSamePairAsset is returned when a pair's two legs are identical.
	ErrSamePairAsset = errors.New("asset pair must reference two distinct assets")
	// ErrUnknownAsset is returned when either leg has no positive total
	// supply in the settlement layer.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrReversedPair signals the canonical orientation is the reverse of
	// the one submitted; the message names the expected orientation.
	ErrReversedPair = errors.New("Invalid AssetPair ordering")
)

// Market is one row of "openMarkets" (spec.md §4.4), returned by the
// read-only "list markets" operation.
type Market struct {
	Pair            common.AssetPair
	AmountAssetName string
	PriceAssetName  string
	CreatedAt       time.Time
}

// Factory constructs a controller for a freshly accepted pair.
type Factory func(pair common.AssetPair) (*controller.Controller, error)

// Dispatcher routes submissions/cancels/reads to the right per-pair
// controller, creating one lazily on first use.
type Dispatcher struct {
	mu sync.RWMutex

	known       map[string]common.AssetPair // canonical pairs, keyed by Key()
	controllers map[string]*controller.Controller
	markets     []Market
	priceAssets []common.Asset
	settlement  settlement.StateReader
	matcherKey  *ecdsa.PrivateKey

	fs      afero.Fs
	logPath string

	factory Factory
}

// Config configures a Dispatcher.
type Config struct {
	PriceAssets      []common.Asset
	PredefinedPairs  []common.AssetPair
	Settlement       settlement.Client
	Validator        *validator.Validator
	History          controller.History
	FS               afero.Fs
	DataDir          string
	SnapshotInterval time.Duration
	MatcherKey       *ecdsa.PrivateKey
	Publisher        controller.Publisher
}

// New builds a Dispatcher, replays the durable OrderBookCreated log
// (spec.md §4.4/§6) to reconstitute any pair first seen at runtime in a
// prior run, spawning its controller eagerly rather than waiting for the
// next Route call, and then registers every predefined pair in its known
// set. A predefined pair whose reverse is already known is left out, so
// Route rejects it as a reversed pair.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		known:       make(map[string]common.AssetPair),
		controllers: make(map[string]*controller.Controller),
		priceAssets: cfg.PriceAssets,
		settlement:  cfg.Settlement,
		matcherKey:  cfg.MatcherKey,
		fs:          cfg.FS,
		logPath:     cfg.DataDir + "/dispatcher.log",
	}
	d.factory = func(pair common.AssetPair) (*controller.Controller, error) {
		pairDir := fmt.Sprintf("%s/pairs/%s", cfg.DataDir, sanitizePairDir(pair))
		c, err := controller.New(controller.Config{
			Pair:              pair,
			Validator:         cfg.Validator,
			History:           cfg.History,
			Settlement:        cfg.Settlement,
			Publisher:         cfg.Publisher,
			FS:                cfg.FS,
			JournalPath:       pairDir + "/journal.log",
			SnapshotDir:       pairDir + "/snapshots",
			SnapshotInterval:  cfg.SnapshotInterval,
			MatcherSigningKey: cfg.MatcherKey,
		})
		if err != nil {
			return nil, err
		}
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
		return c, nil
	}
	d.bootstrapFromLog()
	for _, p := range cfg.PredefinedPairs {
		if _, reversed := d.known[p.Reverse().Key()]; reversed {
			continue
		}
		d.known[p.Key()] = p
	}
	return d
}

// bootstrapFromLog replays the OrderBookCreated log and spawns a
// controller for each entry found, reconstituting the known set and
// openMarkets across a restart (spec.md §4.4: "On recovery, replay
// OrderBookCreated entries to reconstitute the set and spawn
// controllers"). A pair whose controller fails to spawn here stays
// registered in the known set so a later Route call retries it lazily.
func (d *Dispatcher) bootstrapFromLog() {
	entries, err := replayOrderBookCreated(d.fs, d.logPath)
	if err != nil {
		log.Error().Err(err).Msg("replay dispatcher OrderBookCreated log")
		return
	}
	for _, entry := range entries {
		pair := common.AssetPair{AmountAsset: entry.AmountAsset, PriceAsset: entry.PriceAsset}
		d.known[pair.Key()] = pair

		c, err := d.factory(pair)
		if err != nil {
			log.Error().Err(err).Str("pair", pair.String()).Msg("respawn controller from OrderBookCreated log")
			continue
		}
		d.controllers[pair.Key()] = c
		d.markets = append(d.markets, Market{
			Pair:            pair,
			AmountAssetName: pair.AmountAsset.String(),
			PriceAssetName:  pair.PriceAsset.String(),
			CreatedAt:       entry.CreatedAt,
		})
	}
}

func sanitizePairDir(p common.AssetPair) string {
	return p.AmountAsset.String() + "-" + p.PriceAsset.String()
}

// CheckOrientation implements spec.md §4.4's four-rule canonical
// orientation check. It does not consult the settlement layer; callers
// run ValidatePair first for asset-existence checks.
func (d *Dispatcher) CheckOrientation(pair common.AssetPair) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkOrientationLocked(pair)
}

func (d *Dispatcher) checkOrientationLocked(pair common.AssetPair) error {
	if _, ok := d.known[pair.Key()]; ok {
		return nil
	}
	if _, ok := d.known[pair.Reverse().Key()]; ok {
		return fmt.Errorf("%w, should be reversed: %s", ErrReversedPair, formatPair(pair.Reverse()))
	}

	aInList := d.inPriceAssets(pair.AmountAsset)
	pInList := d.inPriceAssets(pair.PriceAsset)
	switch {
	case pInList && !aInList:
		return nil
	case aInList && !pInList:
		return fmt.Errorf("%w, should be reversed: %s", ErrReversedPair, formatPair(pair.Reverse()))
	}

	if pair.PriceAsset.Less(pair.AmountAsset) {
		return nil
	}
	return fmt.Errorf("%w, should be reversed: %s", ErrReversedPair, formatPair(pair.Reverse()))
}

// formatPair renders a pair as "(amountAsset, priceAsset)", the literal
// form spec.md's rejection message uses.
func formatPair(pair common.AssetPair) string {
	return fmt.Sprintf("(%s, %s)", pair.AmountAsset, pair.PriceAsset)
}

func (d *Dispatcher) inPriceAssets(a common.Asset) bool {
	for _, pa := range d.priceAssets {
		if pa.Equal(a) {
			return true
		}
	}
	return false
}

// ValidatePair runs the basic structural and existence checks from
// spec.md §4.4 before orientation: distinct assets, both legs exist with
// positive total supply.
func (d *Dispatcher) ValidatePair(ctx context.Context, pair common.AssetPair) error {
	if !pair.Distinct() {
		return ErrSamePairAsset
	}
	for _, asset := range [2]common.Asset{pair.AmountAsset, pair.PriceAsset} {
		if asset.IsNative() {
			continue
		}
		supply, err := d.settlement.TotalSupply(ctx, asset)
		if err != nil {
			return fmt.Errorf("check asset %s: %w", asset, err)
		}
		if supply <= 0 {
			return ErrUnknownAsset
		}
	}
	return d.CheckOrientation(pair)
}

// Route returns the controller for pair, lazily creating it (and
// recording it in openMarkets) on first acceptance.
func (d *Dispatcher) Route(ctx context.Context, pair common.AssetPair) (*controller.Controller, error) {
	if err := d.ValidatePair(ctx, pair); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.controllers[pair.Key()]; ok {
		return c, nil
	}

	c, err := d.factory(pair)
	if err != nil {
		return nil, fmt.Errorf("create controller for %s: %w", pair, err)
	}
	createdAt := time.Now().UTC()
	if err := appendOrderBookCreated(d.fs, d.logPath, pair, createdAt); err != nil {
		return nil, fmt.Errorf("persist OrderBookCreated for %s: %w", pair, err)
	}
	d.known[pair.Key()] = pair
	d.controllers[pair.Key()] = c
	d.markets = append(d.markets, Market{
		Pair:            pair,
		AmountAssetName: pair.AmountAsset.String(),
		PriceAssetName:  pair.PriceAsset.String(),
		CreatedAt:       createdAt,
	})
	log.Info().Str("pair", pair.String()).Msg("order book created")
	return c, nil
}

// Markets returns every known market plus the matcher's public key, per
// spec.md §4.4's "list markets" operation.
func (d *Dispatcher) Markets() ([]Market, ecdsa.PublicKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Market, len(d.markets))
	copy(out, d.markets)
	return out, d.matcherKey.PublicKey
}

// DeletePair removes a pair's controller and its durable state, per
// spec.md §4.2/§4.4's deletion flow. The pair stays in the known set so a
// later submission recreates a fresh controller from an empty book (an
// explicit Open Question decision, see DESIGN.md).
func (d *Dispatcher) DeletePair(pair common.AssetPair) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.controllers[pair.Key()]
	if !ok {
		return nil
	}
	delete(d.controllers, pair.Key())
	for i, m := range d.markets {
		if m.Pair.Equal(pair) {
			d.markets = append(d.markets[:i], d.markets[i+1:]...)
			break
		}
	}
	return c.DeletePair()
}
