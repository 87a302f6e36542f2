package common

import (
	"crypto/ecdsa"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// ExchangeTransaction is the signed settlement-layer instruction the
// controller emits for every OrderExecuted event (spec.md §4.2). It binds
// both participating orders, the matched amount, the counter's price, and
// the matcher's own signature.
type ExchangeTransaction struct {
	Buy           Order
	Sell          Order
	Price         int64
	Amount        int64
	BuyMatcherFee  int64
	SellMatcherFee int64
	Timestamp      time.Time
	MatcherSignature []byte
}

func (tx ExchangeTransaction) signingPayload() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, tx.Buy.ID[:]...)
	buf = append(buf, tx.Sell.ID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.Price))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.Amount))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.BuyMatcherFee))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.SellMatcherFee))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.Timestamp.UnixNano()))
	return buf
}

// NewExchangeTransaction builds and signs the settlement instruction for a
// match between the submitted and counter orders. submitted/counter are
// assigned to Buy/Sell by their actual Side, regardless of which one
// triggered the match.
func NewExchangeTransaction(submitted, counter LimitOrder, amount int64, matcherKey *ecdsa.PrivateKey) (ExchangeTransaction, error) {
	tx := ExchangeTransaction{
		Price:     counter.Order.Price,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	if submitted.Order.Side == Buy {
		tx.Buy, tx.Sell = submitted.Order, counter.Order
		tx.BuyMatcherFee = feeShare(submitted.Order, amount)
		tx.SellMatcherFee = feeShare(counter.Order, amount)
	} else {
		tx.Buy, tx.Sell = counter.Order, submitted.Order
		tx.BuyMatcherFee = feeShare(counter.Order, amount)
		tx.SellMatcherFee = feeShare(submitted.Order, amount)
	}

	hash := crypto.Keccak256(tx.signingPayload())
	sig, err := crypto.Sign(hash, matcherKey)
	if err != nil {
		return ExchangeTransaction{}, err
	}
	tx.MatcherSignature = sig
	return tx, nil
}

// feeShare prorates an order's matcherFee to the portion actually traded.
func feeShare(o Order, traded int64) int64 {
	if o.Amount == 0 {
		return 0
	}
	return o.MatcherFee * traded / o.Amount
}
