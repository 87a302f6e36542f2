// Package history implements the OrderHistoryService named in spec.md §2:
// a single-goroutine projection of OrderAdded/OrderExecuted/OrderCanceled
// events onto per-order OrderInfo and per-address Portfolio state, queried
// by the matcher, the validator, and the public API.
//
// Like the teacher's worker pool (internal/worker.go), the service runs its
// command loop under a tomb.Tomb so callers can wait for a clean shutdown.
package history

import (
	"context"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"duskex/internal/common"
)

// pairAddressEntry is one row of the bounded per-address order index: the
// most recent orders an address placed, capped at maxPerAddr and
// evicted oldest-terminal-first per spec.md §3.
type pairAddressEntry struct {
	orderID common.OrderID
	pair    common.AssetPair
}

// pendingRelease defers a partial portfolio release until settlement
// actually confirms the trade, per spec.md §5's trade-reporting ordering.
type pendingRelease struct {
	at     time.Time
	addr   gocommon.Address
	delta  common.Portfolio
}

// Service is the OrderHistoryService. All mutable state is owned by a
// single goroutine reachable only through the command channel; exported
// methods send a closure and block on a reply channel, giving the same
// serial-actor semantics as the controller without a bespoke message enum.
type Service struct {
	t     tomb.Tomb
	cmds  chan func()
	store Store

	releaseDelay time.Duration
	maxPerAddr   int

	infos     map[common.OrderID]common.OrderInfo
	orders    map[common.OrderID]common.Order
	portfolio map[gocommon.Address]common.Portfolio
	byAddress map[gocommon.Address][]pairAddressEntry
	pending   []pendingRelease

	now func() time.Time
}

// Store is the durable persistence contract the service uses to survive
// restarts; internal/history/store provides a gorm-backed implementation.
type Store interface {
	SaveOrder(order common.Order) error
	SaveOrderInfo(id common.OrderID, info common.OrderInfo) error
	SavePortfolio(addr gocommon.Address, p common.Portfolio) error
	LoadAll() (orders map[common.OrderID]common.Order, infos map[common.OrderID]common.OrderInfo, portfolios map[gocommon.Address]common.Portfolio, err error)
}

// New constructs a Service backed by store, with releaseDelay controlling
// how long a trade's reservation release is held back (spec.md default:
// 30s) and maxPerAddr bounding the per-address order index.
func New(store Store, releaseDelay time.Duration, maxPerAddr int) *Service {
	return &Service{
		cmds:         make(chan func(), 256),
		store:        store,
		releaseDelay: releaseDelay,
		maxPerAddr:   maxPerAddr,
		infos:        make(map[common.OrderID]common.OrderInfo),
		orders:       make(map[common.OrderID]common.Order),
		portfolio:    make(map[gocommon.Address]common.Portfolio),
		byAddress:    make(map[gocommon.Address][]pairAddressEntry),
		now:          time.Now,
	}
}

// Start launches the command loop and the periodic release sweep under t.
func (s *Service) Start(ctx context.Context) error {
	orders, infos, portfolios, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	s.orders = orders
	s.infos = infos
	s.portfolio = portfolios

	log.Info().Int("orders", len(orders)).Msg("history service recovered state")
	s.t.Go(func() error { return s.loop(ctx) })
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

func (s *Service) loop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			cmd()
		case <-ticker.C:
			s.sweepReleases()
		}
	}
}

// do runs fn on the service's owning goroutine and blocks until it
// completes, giving every exported method linearizable access to state
// without a mutex.
func (s *Service) do(fn func()) {
	done := make(chan struct{})
	s.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// ApplyEvent folds a book event into OrderInfo/Portfolio state. Order
// events arrive from the controller in the order the book applied them;
// ApplyEvent itself is idempotent-safe under replay because OrderInfo and
// Portfolio both combine as monoids.
func (s *Service) ApplyEvent(ev common.Event) {
	s.do(func() { s.applyEventLocked(ev) })
}

func (s *Service) applyEventLocked(ev common.Event) {
	switch e := ev.(type) {
	case common.OrderAdded:
		s.recordOrder(e.Order.Order)
		s.mergeInfo(e.Order.ID(), common.OrderInfo{Amount: e.Order.Order.Amount})
		delta := common.ReservationDelta(e.Order.Order)
		s.portfolio[e.Order.Order.Sender] = s.portfolio[e.Order.Order.Sender].Combine(delta).Clamped()
		s.indexForAddress(e.Order.Order.Sender, e.Order.ID(), e.Order.Order.Pair)

	case common.OrderExecuted:
		s.recordOrder(e.Submitted.Order)
		s.recordOrder(e.Counter.Order)
		s.mergeInfo(e.Submitted.ID(), common.OrderInfo{Amount: e.Submitted.Order.Amount, Filled: e.TradedAmount})
		s.mergeInfo(e.Counter.ID(), common.OrderInfo{Amount: e.Counter.Order.Amount, Filled: e.TradedAmount})
		s.scheduleRelease(e.Submitted.Order, e.TradedAmount)
		s.scheduleRelease(e.Counter.Order, e.TradedAmount)

	case common.OrderCanceled:
		s.recordOrder(e.Order.Order)
		info := s.infos[e.Order.ID()]
		info.Canceled = true
		s.infos[e.Order.ID()] = info
		remaining := e.Order.RemainingAmount
		released := common.ReleaseDelta(e.Order.Order, remaining)
		s.portfolio[e.Order.Order.Sender] = s.portfolio[e.Order.Order.Sender].Combine(released).Clamped()
		_ = s.store.SaveOrderInfo(e.Order.ID(), s.infos[e.Order.ID()])
		_ = s.store.SavePortfolio(e.Order.Order.Sender, s.portfolio[e.Order.Order.Sender])
	}
}

func (s *Service) recordOrder(o common.Order) {
	if _, ok := s.orders[o.ID]; ok {
		return
	}
	s.orders[o.ID] = o
	_ = s.store.SaveOrder(o)
}

func (s *Service) mergeInfo(id common.OrderID, delta common.OrderInfo) {
	s.infos[id] = s.infos[id].Combine(delta)
	_ = s.store.SaveOrderInfo(id, s.infos[id])
}

// scheduleRelease defers release of the matched amount's reservation,
// per spec.md §5: the matcher applies the trade optimistically, but the
// portfolio is only freed once settlement has had time to confirm it.
func (s *Service) scheduleRelease(o common.Order, tradedAmount int64) {
	delta := common.ReleaseDelta(o, tradedAmount)
	s.pending = append(s.pending, pendingRelease{
		at:    s.now().Add(s.releaseDelay),
		addr:  o.Sender,
		delta: delta,
	})
}

// sweepReleases runs on the loop goroutine itself (called directly from
// the ticker branch in loop), not through do: do enqueues onto s.cmds,
// which only the loop goroutine drains, so calling it from here would
// deadlock the loop waiting on its own reply.
func (s *Service) sweepReleases() {
	now := s.now()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if now.Before(p.at) {
			kept = append(kept, p)
			continue
		}
		s.portfolio[p.addr] = s.portfolio[p.addr].Combine(p.delta).Clamped()
		_ = s.store.SavePortfolio(p.addr, s.portfolio[p.addr])
	}
	s.pending = kept
}

// indexForAddress appends to the bounded pairAddressIndex, evicting the
// oldest terminal order when the address is at capacity, or the oldest
// order if none is terminal (spec.md §3).
func (s *Service) indexForAddress(addr gocommon.Address, id common.OrderID, pair common.AssetPair) {
	entries := s.byAddress[addr]
	if s.maxPerAddr > 0 && len(entries) >= s.maxPerAddr {
		evict := 0
		for i, e := range entries {
			if s.infos[e.orderID].IsTerminal() {
				evict = i
				break
			}
		}
		entries = append(entries[:evict], entries[evict+1:]...)
	}
	s.byAddress[addr] = append(entries, pairAddressEntry{orderID: id, pair: pair})
}

// OrderStatus returns the current status of id, or false if unknown.
func (s *Service) OrderStatus(id common.OrderID) (common.OrderStatus, bool) {
	var status common.OrderStatus
	var ok bool
	s.do(func() {
		info, present := s.infos[id]
		if present {
			status, ok = info.Status(), true
		}
	})
	return status, ok
}

// OrderInfoFor returns the stored OrderInfo for id, or false if unknown.
// Unlike OrderStatus it also exposes the filled amount, needed by the
// "Get order status" response.
func (s *Service) OrderInfoFor(id common.OrderID) (common.OrderInfo, bool) {
	var info common.OrderInfo
	var ok bool
	s.do(func() {
		info, ok = s.infos[id]
	})
	return info, ok
}

// DeleteOrder removes a terminal order from the projection (infos, orders,
// and the per-address index), per spec.md §6's "Delete order" operation.
// It reports whether the order existed and was terminal; non-terminal
// orders are left untouched.
func (s *Service) DeleteOrder(id common.OrderID) bool {
	var deleted bool
	s.do(func() {
		info, ok := s.infos[id]
		if !ok || !info.IsTerminal() {
			return
		}
		order, hasOrder := s.orders[id]
		delete(s.infos, id)
		delete(s.orders, id)
		if hasOrder {
			entries := s.byAddress[order.Sender]
			for i, e := range entries {
				if e.orderID == id {
					s.byAddress[order.Sender] = append(entries[:i], entries[i+1:]...)
					break
				}
			}
		}
		deleted = true
	})
	return deleted
}

// OrderHistory returns every known order for addr, most recent first.
func (s *Service) OrderHistory(addr gocommon.Address) []common.OrderInfo {
	var out []common.OrderInfo
	s.do(func() {
		entries := s.byAddress[addr]
		out = make([]common.OrderInfo, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			out = append(out, s.infos[entries[i].orderID])
		}
	})
	return out
}

// Entry bundles an order's immutable fields with its current derived
// state, the shape the "Get order history" response (spec.md §6) needs.
type Entry struct {
	Order common.Order
	Info  common.OrderInfo
}

// OrderHistoryDetailed returns every known order for addr, most recent
// first, optionally filtered to pair when pairFilter is non-nil.
func (s *Service) OrderHistoryDetailed(addr gocommon.Address, pairFilter *common.AssetPair) []Entry {
	var out []Entry
	s.do(func() {
		entries := s.byAddress[addr]
		out = make([]Entry, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if pairFilter != nil && !e.pair.Equal(*pairFilter) {
				continue
			}
			order, ok := s.orders[e.orderID]
			if !ok {
				continue
			}
			out = append(out, Entry{Order: order, Info: s.infos[e.orderID]})
		}
	})
	return out
}

// AllOrderHistory returns the full OrderInfo table. Intended for
// operator/debug tooling, not the hot path.
func (s *Service) AllOrderHistory() map[common.OrderID]common.OrderInfo {
	out := make(map[common.OrderID]common.OrderInfo)
	s.do(func() {
		for k, v := range s.infos {
			out[k] = v
		}
	})
	return out
}

// OpenVolume implements validator.OpenVolumeReader: the currently reserved
// amount of asset for addr, across all non-terminal orders.
func (s *Service) OpenVolume(addr gocommon.Address, asset common.Asset) int64 {
	var v int64
	s.do(func() {
		v = s.portfolio[addr].Get(asset)
	})
	return v
}

// TradableBalance reports balance-open for addr/asset given the current
// on-chain balance; a thin convenience wrapper over OpenVolume used by the
// public API's account endpoints.
func (s *Service) TradableBalance(addr gocommon.Address, asset common.Asset, balance int64) int64 {
	open := s.OpenVolume(addr, asset)
	if balance < open {
		return 0
	}
	return balance - open
}

// RecoverFromOrderBook rebuilds in-memory state from a live order book
// snapshot after a crash, per spec.md §3's recovery note: the book is the
// source of truth for what is currently resting, the history projection
// is rebuilt to agree with it.
func (s *Service) RecoverFromOrderBook(orders []common.LimitOrder) {
	s.do(func() {
		for _, lo := range orders {
			s.recordOrder(lo.Order)
			filled := lo.Order.Amount - lo.RemainingAmount
			s.infos[lo.ID()] = common.OrderInfo{Amount: lo.Order.Amount, Filled: filled}
			s.indexForAddress(lo.Order.Sender, lo.ID(), lo.Order.Pair)
		}
	})
}
