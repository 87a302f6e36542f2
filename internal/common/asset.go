// Package common holds the value types shared by the order book, the
// controller, the history projection, and the dispatcher: assets, orders,
// limit orders, events, and the OrderInfo/Portfolio combine monoids.
package common

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// Asset identifies either the chain's native asset (the sentinel) or a
// 32-byte issued asset id.
type Asset struct {
	native bool
	id     [32]byte
}

// NativeAsset returns the sentinel asset.
func NativeAsset() Asset { return Asset{native: true} }

// NewAsset wraps a 32-byte asset id.
func NewAsset(id [32]byte) Asset { return Asset{id: id} }

// AssetFromBytes builds an Asset from a variable-length id, left-padding to
// 32 bytes. An empty slice yields the native asset.
func AssetFromBytes(b []byte) Asset {
	if len(b) == 0 {
		return NativeAsset()
	}
	var id [32]byte
	copy(id[32-len(b):], b)
	return NewAsset(id)
}

func (a Asset) IsNative() bool { return a.native }

func (a Asset) Bytes() []byte {
	if a.native {
		return nil
	}
	return a.id[:]
}

func (a Asset) String() string {
	if a.native {
		return "WAVES"
	}
	return hex.EncodeToString(a.id[:])
}

// MarshalJSON encodes the asset the same way String does: "WAVES" for the
// native sentinel, hex otherwise. Asset's fields are unexported, so without
// this the journal and the history store would silently serialize every
// asset as an empty object.
func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	asset, err := AssetFromHex(s)
	if err != nil {
		return err
	}
	*a = asset
	return nil
}

// AssetFromHex parses "WAVES" or a hex-encoded asset id, the same
// encoding String produces.
func AssetFromHex(s string) (Asset, error) {
	if s == "WAVES" {
		return NativeAsset(), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Asset{}, err
	}
	return AssetFromBytes(b), nil
}

func (a Asset) Equal(b Asset) bool {
	return a.native == b.native && a.id == b.id
}

// Less implements the dispatcher's canonical-orientation tie-break
// (spec.md §4.4 rule 4): the native asset sorts before any non-native
// asset; otherwise compare raw id bytes.
func (a Asset) Less(b Asset) bool {
	if a.native != b.native {
		return a.native
	}
	if a.native {
		return false
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// AssetPair is an unordered pair of assets with a canonical orientation
// enforced by the dispatcher, not by this type.
type AssetPair struct {
	AmountAsset Asset
	PriceAsset  Asset
}

func (p AssetPair) Reverse() AssetPair {
	return AssetPair{AmountAsset: p.PriceAsset, PriceAsset: p.AmountAsset}
}

func (p AssetPair) Equal(o AssetPair) bool {
	return p.AmountAsset.Equal(o.AmountAsset) && p.PriceAsset.Equal(o.PriceAsset)
}

// Key is a stable map key for a pair, used by the dispatcher's known-pairs
// set and the history projection's pairAddressIndex.
func (p AssetPair) Key() string {
	return p.AmountAsset.String() + "/" + p.PriceAsset.String()
}

func (p AssetPair) String() string { return p.Key() }

// Distinct reports whether the two legs of the pair are actually different
// assets, part of the dispatcher's basic pair validation (spec.md §4.4).
func (p AssetPair) Distinct() bool { return !p.AmountAsset.Equal(p.PriceAsset) }
