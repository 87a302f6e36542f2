// Package validator performs the pre-trade checks from spec.md §4
// (component table): signature, timestamp window, price/amount
// positivity, asset whitelist, and tradable balance ≥ reserve.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"duskex/internal/common"
	"duskex/internal/settlement"
)

var (
	ErrBlacklistedAsset            = errors.New("blacklisted asset")
	ErrUnknownAsset                = errors.New("unknown asset")
	ErrInsufficientTradableBalance = errors.New("insufficient tradable balance")
	ErrOrderNotFound               = errors.New("order not found")
	ErrCancelSignatureMismatch     = errors.New("cancel request signature does not match order sender")
)

// OpenVolumeReader exposes the history projection's current reservation
// for an address/asset, the only piece of state the validator needs that
// it does not own itself.
type OpenVolumeReader interface {
	OpenVolume(addr gocommon.Address, asset common.Asset) int64
}

// Validator holds the configuration-derived bounds and the settlement
// state reader used for balance and asset-existence checks.
type Validator struct {
	Now                  func() time.Time
	MaxTimestampDiff     time.Duration
	MaxExpirationHorizon time.Duration
	Blacklisted          map[common.Asset]bool
	Settlement           settlement.StateReader
}

// New returns a Validator with a real-time clock.
func New(settlementState settlement.StateReader, maxTimestampDiff, maxExpirationHorizon time.Duration, blacklisted []common.Asset) *Validator {
	set := make(map[common.Asset]bool, len(blacklisted))
	for _, a := range blacklisted {
		set[a] = true
	}
	return &Validator{
		Now:                  time.Now,
		MaxTimestampDiff:     maxTimestampDiff,
		MaxExpirationHorizon: maxExpirationHorizon,
		Blacklisted:          set,
		Settlement:           settlementState,
	}
}

// ValidateOrder runs every check from spec.md §4.1/§4.3 and returns the
// first failure encountered.
func (v *Validator) ValidateOrder(ctx context.Context, order common.Order, openVolume OpenVolumeReader) error {
	now := v.Now()
	if err := order.ValidateShape(now, v.MaxTimestampDiff, v.MaxExpirationHorizon); err != nil {
		return err
	}
	if v.Blacklisted[order.Pair.AmountAsset] || v.Blacklisted[order.Pair.PriceAsset] {
		return ErrBlacklistedAsset
	}
	for _, asset := range [2]common.Asset{order.Pair.AmountAsset, order.Pair.PriceAsset} {
		if asset.IsNative() {
			continue
		}
		supply, err := v.Settlement.TotalSupply(ctx, asset)
		if err != nil {
			return fmt.Errorf("check asset %s: %w", asset, err)
		}
		if supply <= 0 {
			return ErrUnknownAsset
		}
	}

	reserve := common.ReservationDelta(order)
	for asset, amount := range reserve {
		balance, err := v.Settlement.BalanceOf(ctx, order.Sender, asset)
		if err != nil {
			return fmt.Errorf("check balance of %s: %w", asset, err)
		}
		open := openVolume.OpenVolume(order.Sender, asset)
		if balance-open < amount {
			return ErrInsufficientTradableBalance
		}
	}
	return nil
}

// ValidateCancel confirms the cancellation request is signed by the
// order's own sender, per spec.md §4.2's cancellation flow.
func (v *Validator) ValidateCancel(order common.Order, signature []byte) error {
	hash := order.ID
	pub, err := crypto.SigToPub(hash[:], signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCancelSignatureMismatch, err)
	}
	if crypto.PubkeyToAddress(*pub) != order.Sender {
		return ErrCancelSignatureMismatch
	}
	return nil
}
