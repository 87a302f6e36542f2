// Package api holds the transport-agnostic request/response shapes for
// the external interface named in spec.md §6. Handlers in cmd/matcherd
// translate these to and from whatever wire format (HTTP/JSON here) sits
// in front of the dispatcher and controllers; nothing in this package
// depends on net/http.
package api

import (
	"crypto/ecdsa"
	"encoding/hex"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"duskex/internal/book"
	"duskex/internal/common"
	"duskex/internal/dispatcher"
	"duskex/internal/history"
	"duskex/internal/settlement"
)

// SubmitOrderRequest wraps a signed order for submission.
type SubmitOrderRequest struct {
	Order common.Order
}

// OrderAcceptedResponse is returned on successful submission.
type OrderAcceptedResponse struct {
	Order common.Order `json:"order"`
}

// OrderRejectedResponse is returned when submission validation fails.
type OrderRejectedResponse struct {
	Message string `json:"message"`
}

// CancelOrderRequest cancels a resting order by id, authenticated by
// signature over the id.
type CancelOrderRequest struct {
	Pair      common.AssetPair
	OrderID   common.OrderID
	Signature []byte
}

// OrderCanceledResponse is returned on successful cancellation.
type OrderCanceledResponse struct {
	OrderID common.OrderID `json:"orderId"`
}

// OrderCancelRejectedResponse is returned when cancellation fails.
type OrderCancelRejectedResponse struct {
	Message string `json:"message"`
}

// DepthLevelDTO is one price level in an order book snapshot.
type DepthLevelDTO struct {
	Price       int64 `json:"price"`
	TotalAmount int64 `json:"totalAmount"`
}

// MaxDepth caps "Get order book" responses, per spec.md §6.
const MaxDepth = 50

// OrderBookResponse is the "Get order book" response.
type OrderBookResponse struct {
	Pair common.AssetPair `json:"pair"`
	Bids []DepthLevelDTO  `json:"bids"`
	Asks []DepthLevelDTO  `json:"asks"`
}

// NewOrderBookResponse builds the response from raw depth levels as given;
// callers clamp the requested depth with ClampDepth beforehand.
func NewOrderBookResponse(pair common.AssetPair, bids, asks []book.DepthLevel) OrderBookResponse {
	return OrderBookResponse{Pair: pair, Bids: toDTOs(bids), Asks: toDTOs(asks)}
}

func toDTOs(levels []book.DepthLevel) []DepthLevelDTO {
	out := make([]DepthLevelDTO, len(levels))
	for i, l := range levels {
		out[i] = DepthLevelDTO{Price: l.Price, TotalAmount: l.TotalAmount}
	}
	return out
}

// ClampDepth clamps a client-requested depth to (0, MaxDepth].
func ClampDepth(requested int) int {
	if requested <= 0 || requested > MaxDepth {
		return MaxDepth
	}
	return requested
}

// OrderStatusResponse is the "Get order status" response.
type OrderStatusResponse struct {
	Status common.OrderStatus `json:"status"`
	Filled int64               `json:"filled"`
}

// OrderHistoryEntry is one row of the "Get order history" response.
type OrderHistoryEntry struct {
	ID        common.OrderID   `json:"id"`
	Type      common.Side      `json:"type"`
	Amount    int64            `json:"amount"`
	Price     int64            `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
	Filled    int64            `json:"filled"`
	Status    common.OrderStatus `json:"status"`
	AssetPair common.AssetPair `json:"assetPair"`
}

// NewOrderHistoryEntry converts one history.Entry into its response shape.
func NewOrderHistoryEntry(e history.Entry) OrderHistoryEntry {
	return OrderHistoryEntry{
		ID:        e.Order.ID,
		Type:      e.Order.Side,
		Amount:    e.Info.Amount,
		Price:     e.Order.Price,
		Timestamp: e.Order.Timestamp,
		Filled:    e.Info.Filled,
		Status:    e.Info.Status(),
		AssetPair: e.Order.Pair,
	}
}

// NewOrderHistoryResponse converts every entry, sorted timestamp ascending
// per spec.md §6.
func NewOrderHistoryResponse(entries []history.Entry) []OrderHistoryEntry {
	out := make([]OrderHistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = NewOrderHistoryEntry(e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Timestamp.After(out[j].Timestamp); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// TradableBalanceResponse is the "Get tradable balance" response. Values
// are presented as human-scaled decimals; every matching-path computation
// stays on the underlying int64 base units.
type TradableBalanceResponse struct {
	AmountAsset decimal.Decimal `json:"amountAsset"`
	PriceAsset  decimal.Decimal `json:"priceAsset"`
}

// NewTradableBalanceResponse scales base-unit balances by each asset's
// decimals, as reported by the settlement layer's AssetInfo.
func NewTradableBalanceResponse(amountBase, priceBase int64, amountInfo, priceInfo *settlement.AssetInfo) TradableBalanceResponse {
	return TradableBalanceResponse{
		AmountAsset: toDecimal(amountBase, amountInfo),
		PriceAsset:  toDecimal(priceBase, priceInfo),
	}
}

func toDecimal(base int64, info *settlement.AssetInfo) decimal.Decimal {
	decimals := int32(8)
	if info != nil {
		decimals = int32(info.Decimals)
	}
	return decimal.New(base, -decimals)
}

// DeleteOrderRequest deletes a terminal order from the history projection.
type DeleteOrderRequest struct {
	Pair    common.AssetPair
	Address gocommon.Address
	OrderID common.OrderID
}

// OrderDeletedResponse is returned when deletion succeeds.
type OrderDeletedResponse struct {
	OrderID common.OrderID `json:"id"`
}

// ErrOrderNotDeletable is returned when the order isn't in a terminal
// state (spec.md §6: "Order couldn't be deleted").
var ErrOrderNotDeletable = errNotDeletable{}

type errNotDeletable struct{}

func (errNotDeletable) Error() string { return "Order couldn't be deleted" }

// MarketDTO is one row of the "Get markets" response.
type MarketDTO struct {
	Pair            common.AssetPair `json:"pair"`
	AmountAssetName string           `json:"amountAssetName"`
	PriceAssetName  string           `json:"priceAssetName"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// MarketsResponse is the "Get markets" response: every open market plus
// the matcher's own public key, hex-encoded.
type MarketsResponse struct {
	Markets       []MarketDTO `json:"markets"`
	MatcherPubKey string      `json:"matcherPublicKey"`
}

// NewMarketsResponse builds the response from the dispatcher's known
// markets and the matcher's signing key.
func NewMarketsResponse(markets []dispatcher.Market, pub ecdsa.PublicKey) MarketsResponse {
	out := MarketsResponse{
		Markets:       make([]MarketDTO, len(markets)),
		MatcherPubKey: hex.EncodeToString(crypto.FromECDSAPub(&pub)),
	}
	for i, m := range markets {
		out.Markets[i] = MarketDTO{
			Pair:            m.Pair,
			AmountAssetName: m.AmountAssetName,
			PriceAssetName:  m.PriceAssetName,
			CreatedAt:       m.CreatedAt,
		}
	}
	return out
}
