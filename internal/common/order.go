package common

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrNonPositiveAmount    = errors.New("amount must be positive")
	ErrNonPositivePrice     = errors.New("price must be positive")
	ErrOrderExpired         = errors.New("order expired")
	ErrExpirationTooFar     = errors.New("expiration exceeds configured horizon")
	ErrTimestampOutOfWindow = errors.New("timestamp outside the allowed clock skew")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderID is the content hash of an order's immutable fields.
type OrderID [32]byte

func (id OrderID) String() string { return fmt.Sprintf("%x", id[:]) }

func (id OrderID) IsZero() bool { return id == OrderID{} }

// MarshalJSON encodes the id as hex instead of a raw byte array, keeping
// journal lines and API responses readable.
func (id OrderID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *OrderID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(id[:], b)
	return nil
}

// Order is immutable once signed: signature verifies under Sender, amount
// and price are positive, and timestamp/expiration fall within configured
// windows (checked by ValidateShape, which the validator calls).
type Order struct {
	ID              OrderID
	Sender          common.Address
	SenderPublicKey []byte
	Pair            AssetPair
	Side            Side
	Price           int64 // price-asset base units per amount-asset unit, fixed point
	Amount          int64 // amount-asset base units
	Timestamp       time.Time
	Expiration      time.Time
	MatcherFee      int64 // native-asset base units
	Signature       []byte
}

// signingPayload is the canonical byte encoding hashed for both the order
// id and the signature. It excludes ID and Signature themselves.
func (o Order) signingPayload() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, o.Sender.Bytes()...)
	buf = append(buf, o.Pair.AmountAsset.Bytes()...)
	buf = append(buf, o.Pair.PriceAsset.Bytes()...)
	buf = append(buf, byte(o.Side))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Price))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Amount))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Timestamp.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Expiration.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.MatcherFee))
	return buf
}

// Hash returns the content hash used as the order id.
func (o Order) Hash() OrderID {
	return OrderID(crypto.Keccak256Hash(o.signingPayload()))
}

// Sign computes the order id and signature from the submitter's key and
// returns the finished, immutable order.
func Sign(o Order, priv *ecdsa.PrivateKey) (Order, error) {
	o.Sender = crypto.PubkeyToAddress(priv.PublicKey)
	o.SenderPublicKey = crypto.FromECDSAPub(&priv.PublicKey)
	o.ID = o.Hash()
	sig, err := crypto.Sign(o.ID[:], priv)
	if err != nil {
		return Order{}, fmt.Errorf("sign order: %w", err)
	}
	o.Signature = sig
	return o, nil
}

// VerifySignature recovers the public key from Signature over the order's
// content hash and checks it derives Sender. This is the submission-path
// realization of spec.md §3's "signature verifies under sender".
func (o Order) VerifySignature() error {
	if len(o.Signature) != 65 {
		return ErrInvalidSignature
	}
	hash := o.Hash()
	if hash != o.ID {
		return ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(hash[:], o.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != o.Sender {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateShape checks the purely structural invariants from spec.md §3
// that do not require external state (balances, asset whitelist, clocks).
func (o Order) ValidateShape(now time.Time, maxTimestampDiff, maxExpirationHorizon time.Duration) error {
	if o.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	if o.Price <= 0 {
		return ErrNonPositivePrice
	}
	if diff := now.Sub(o.Timestamp); diff > maxTimestampDiff || diff < -maxTimestampDiff {
		return ErrTimestampOutOfWindow
	}
	if !o.Expiration.After(o.Timestamp) {
		return ErrOrderExpired
	}
	if o.Expiration.Sub(o.Timestamp) > maxExpirationHorizon {
		return ErrExpirationTooFar
	}
	if err := o.VerifySignature(); err != nil {
		return err
	}
	return nil
}

// LimitOrder is a mutable view over an immutable Order: RemainingAmount
// tracks how much of Order.Amount is still resident/unmatched.
type LimitOrder struct {
	Order           Order
	RemainingAmount int64
}

// NewLimitOrder creates the initial resident view of a freshly accepted
// order: fully unfilled.
func NewLimitOrder(o Order) LimitOrder {
	return LimitOrder{Order: o, RemainingAmount: o.Amount}
}

func (lo LimitOrder) ID() OrderID { return lo.Order.ID }

func (lo LimitOrder) IsFilled() bool { return lo.RemainingAmount == 0 }

// Partial returns a new LimitOrder with the given remaining amount, per
// spec.md §3's "partial of size r".
func (lo LimitOrder) Partial(remaining int64) LimitOrder {
	lo.RemainingAmount = remaining
	return lo
}

// Settleable reports whether remaining·price is representable with no
// dust below one price-asset base unit — the residual check from
// spec.md §4.1. Amounts and prices are already base-unit integers in this
// model, so any positive remaining amount is exactly settleable; the
// check exists as the single choke point callers use before re-matching a
// partial fill, so a future fractional-unit asset model has one place to
// extend.
func (lo LimitOrder) Settleable() bool {
	return lo.RemainingAmount > 0
}
