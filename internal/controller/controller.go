// Package controller implements the OrderBookController: one per-pair
// serial actor (spec.md §4.2) that validates, matches, settles, persists,
// and publishes events for a single trading pair. It follows the
// teacher's own supervised-goroutine pattern (internal/worker.go) by
// running its loop under a gopkg.in/tomb.v2.Tomb.
package controller

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"duskex/internal/book"
	"duskex/internal/common"
	"duskex/internal/persistence"
	"duskex/internal/settlement"
	"duskex/internal/validator"

	"github.com/spf13/afero"
)

// state is the controller's Ready/AwaitingValidation state machine
// (spec.md §4.2).
type state int

const (
	stateReady state = iota
	stateAwaitingValidation
)

var (
	ErrOrderNotFound = errors.New("order not found")
)

// SubmitResult is delivered to the caller once validation completes;
// the matching loop that follows runs asynchronously with respect to it.
type SubmitResult struct {
	Order   common.Order
	Err     error
}

// CancelResult is delivered once the cancel validation and book removal
// complete.
type CancelResult struct {
	OrderID common.OrderID
	Err     error
}

// History is the subset of history.Service the controller depends on:
// pre-trade validation input and event application.
type History interface {
	validator.OpenVolumeReader
	ApplyEvent(ev common.Event)
	RecoverFromOrderBook(orders []common.LimitOrder)
}

// Publisher fans out book events and settlement notifications to live
// subscribers (internal/feed); it is additive observability, not part of
// the recovery path.
type Publisher interface {
	Publish(pair common.AssetPair, ev common.Event)
	PublishTransaction(pair common.AssetPair, tx common.ExchangeTransaction)
}

type noopPublisher struct{}

func (noopPublisher) Publish(common.AssetPair, common.Event)                    {}
func (noopPublisher) PublishTransaction(common.AssetPair, common.ExchangeTransaction) {}

// Config bundles a controller's fixed dependencies and tunables.
type Config struct {
	Pair                common.AssetPair
	Validator           *validator.Validator
	History             History
	Settlement          settlement.Client
	Publisher           Publisher
	FS                  afero.Fs
	JournalPath         string
	SnapshotDir         string
	SnapshotInterval    time.Duration
	ValidationTimeout   time.Duration
	MatcherSigningKey   *ecdsa.PrivateKey
}

type submitRequest struct {
	order common.Order
	reply chan SubmitResult
}

type cancelRequest struct {
	id        common.OrderID
	signature []byte
	reply     chan CancelResult
}

type readRequest struct {
	run func()
}

type validationOutcome struct {
	submit *submitRequest
	cancel *cancelRequest
	err    error
}

// Controller is a single pair's serial actor.
type Controller struct {
	cfg Config
	t   tomb.Tomb

	book    *book.OrderBook
	orders  map[common.OrderID]common.Order
	journal *persistence.Journal

	inbox   chan any
	results chan validationOutcome

	st      state
	stash   []any
	pending *submitRequest
	pendingCancel *cancelRequest
}

// New constructs a Controller for cfg.Pair. Call Start to begin recovery
// and the command loop.
func New(cfg Config) (*Controller, error) {
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 5 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	j, err := persistence.OpenJournal(cfg.FS, cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		book:    book.New(),
		orders:  make(map[common.OrderID]common.Order),
		journal: j,
		inbox:   make(chan any, 256),
		results: make(chan validationOutcome, 1),
		st:      stateReady,
	}, nil
}

// Start recovers state from the latest snapshot and journal, then starts
// the command loop under t.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}
	c.t.Go(func() error { return c.loop(ctx) })
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Controller) Stop() error {
	c.t.Kill(nil)
	err := c.t.Wait()
	if cerr := c.journal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Controller) recover(ctx context.Context) error {
	snap, ok, err := persistence.LoadLatestSnapshot(c.cfg.FS, c.cfg.SnapshotDir)
	if err != nil {
		return err
	}
	if ok {
		for _, lo := range snap.Orders {
			c.book.Add(lo)
			c.orders[lo.ID()] = lo.Order
		}
	}

	err = persistence.ReplayFrom(c.cfg.FS, c.cfg.JournalPath, func(ev common.Event) error {
		c.book.UpdateState(ev)
		c.trackOrder(ev)
		return nil
	})
	if err != nil {
		return err
	}

	c.cfg.History.RecoverFromOrderBook(c.book.Orders())
	log.Info().Str("pair", c.cfg.Pair.String()).Int("resident", len(c.book.Orders())).Msg("controller recovered")
	return nil
}

func (c *Controller) trackOrder(ev common.Event) {
	switch e := ev.(type) {
	case common.OrderAdded:
		c.orders[e.Order.ID()] = e.Order.Order
	case common.OrderExecuted:
		c.orders[e.Submitted.ID()] = e.Submitted.Order
		c.orders[e.Counter.ID()] = e.Counter.Order
	case common.OrderCanceled:
		c.orders[e.Order.ID()] = e.Order.Order
	}
}

func (c *Controller) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time

	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ctx.Done():
			return nil

		case req := <-c.inbox:
			c.handleInbound(req, &deadline)

		case outcome := <-c.results:
			deadline = nil
			c.handleValidationOutcome(ctx, outcome)
			c.unstash(&deadline)

		case <-deadline:
			log.Warn().Str("pair", c.cfg.Pair.String()).Msg("validation deadline exceeded, dropping request")
			deadline = nil
			c.pending = nil
			c.pendingCancel = nil
			c.st = stateReady
			c.unstash(&deadline)

		case <-ticker.C:
			c.saveSnapshot()
		}
	}
}

func (c *Controller) handleInbound(req any, deadline *<-chan time.Time) {
	switch r := req.(type) {
	case *readRequest:
		r.run()
		return
	}

	if c.st == stateAwaitingValidation {
		c.stash = append(c.stash, req)
		return
	}

	switch r := req.(type) {
	case *submitRequest:
		c.beginSubmitValidation(r, deadline)
	case *cancelRequest:
		c.beginCancelValidation(r, deadline)
	}
}

func (c *Controller) beginSubmitValidation(req *submitRequest, deadline *<-chan time.Time) {
	c.st = stateAwaitingValidation
	c.pending = req
	timer := time.NewTimer(c.cfg.ValidationTimeout)
	*deadline = timer.C

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ValidationTimeout)
	go func() {
		defer cancel()
		err := c.cfg.Validator.ValidateOrder(ctx, req.order, c.cfg.History)
		select {
		case c.results <- validationOutcome{submit: req, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) beginCancelValidation(req *cancelRequest, deadline *<-chan time.Time) {
	c.st = stateAwaitingValidation
	c.pendingCancel = req
	timer := time.NewTimer(c.cfg.ValidationTimeout)
	*deadline = timer.C

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ValidationTimeout)
	go func() {
		defer cancel()
		order, ok := c.orders[req.id]
		var err error
		if !ok {
			err = ErrOrderNotFound
		} else {
			err = c.cfg.Validator.ValidateCancel(order, req.signature)
		}
		select {
		case c.results <- validationOutcome{cancel: req, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleValidationOutcome(ctx context.Context, outcome validationOutcome) {
	c.st = stateReady
	switch {
	case outcome.submit != nil:
		c.pending = nil
		req := outcome.submit
		if outcome.err != nil {
			req.reply <- SubmitResult{Order: req.order, Err: outcome.err}
			return
		}
		req.reply <- SubmitResult{Order: req.order}
		c.runMatchingLoop(ctx, common.NewLimitOrder(req.order))

	case outcome.cancel != nil:
		c.pendingCancel = nil
		req := outcome.cancel
		if outcome.err != nil {
			req.reply <- CancelResult{OrderID: req.id, Err: outcome.err}
			return
		}
		ev, ok := c.book.Cancel(req.id)
		if !ok {
			req.reply <- CancelResult{OrderID: req.id, Err: ErrOrderNotFound}
			return
		}
		c.persistAndPublish(ev)
		req.reply <- CancelResult{OrderID: req.id}
	}
}

// runMatchingLoop realizes spec.md §4.1's iterative matching loop plus
// §4.2's per-event settlement policy.
func (c *Controller) runMatchingLoop(ctx context.Context, incoming common.LimitOrder) {
	for {
		ev := c.book.MatchOrder(incoming)
		switch e := ev.(type) {
		case common.OrderAdded:
			c.orders[e.Order.ID()] = e.Order.Order
			c.persistAndPublish(e)
			return

		case common.OrderExecuted:
			accepted, cancelCounter := c.settle(ctx, e)
			if cancelCounter {
				cancelEv := common.OrderCanceled{Order: e.Counter}
				c.persistAndPublish(cancelEv)
				// The submitted order's traded amount is refunded: no
				// trade occurred, so it keeps its pre-step remaining and
				// re-enters the loop unchanged.
				continue
			}
			c.orders[e.Submitted.ID()] = e.Submitted.Order
			c.orders[e.Counter.ID()] = e.Counter.Order
			c.persistAndPublish(e)
			if accepted != nil {
				c.cfg.Publisher.PublishTransaction(c.cfg.Pair, *accepted)
			}

			remaining := incoming.RemainingAmount - e.TradedAmount
			if remaining <= 0 {
				return
			}
			partial := incoming.Partial(remaining)
			if !partial.Settleable() {
				c.persistAndPublish(common.OrderCanceled{Order: partial})
				return
			}
			incoming = partial

		case common.OrderCanceled:
			c.persistAndPublish(e)
			return
		}
	}
}

// settle submits the exchange transaction implied by an OrderExecuted
// event. It returns the accepted transaction (nil if rejected) and
// whether the caller must instead synthesise OrderCanceled(counter).
func (c *Controller) settle(ctx context.Context, e common.OrderExecuted) (*common.ExchangeTransaction, bool) {
	tx, err := common.NewExchangeTransaction(e.Submitted, e.Counter, e.TradedAmount, c.cfg.MatcherSigningKey)
	if err != nil {
		log.Error().Err(err).Str("pair", c.cfg.Pair.String()).Msg("failed to build exchange transaction")
		return nil, true
	}
	accepted, err := c.cfg.Settlement.Submit(ctx, tx)
	if err != nil {
		log.Warn().Err(err).Str("pair", c.cfg.Pair.String()).Msg("settlement submission error, treating counter as rejected")
		return nil, true
	}
	if !accepted {
		return nil, true
	}
	return &tx, false
}

func (c *Controller) persistAndPublish(ev common.Event) {
	if err := c.journal.Append(ev); err != nil {
		log.Error().Err(err).Str("pair", c.cfg.Pair.String()).Msg("journal append failed")
	}
	c.book.UpdateState(ev)
	c.cfg.History.ApplyEvent(ev)
	c.cfg.Publisher.Publish(c.cfg.Pair, ev)
}

// unstash drains the FIFO stash accumulated while AwaitingValidation. Only
// the first stashed write can actually begin validation immediately (the
// controller can only await one outstanding validation at a time); the
// rest re-stash themselves via handleInbound once that one starts.
func (c *Controller) unstash(deadline *<-chan time.Time) {
	pending := c.stash
	c.stash = nil
	for _, req := range pending {
		c.handleInbound(req, deadline)
	}
}

func (c *Controller) saveSnapshot() {
	snap := persistence.Snapshot{Orders: c.book.Orders()}
	if _, err := persistence.SaveSnapshot(c.cfg.FS, c.cfg.SnapshotDir, snap, time.Now()); err != nil {
		log.Warn().Err(err).Str("pair", c.cfg.Pair.String()).Msg("snapshot save failed, will retry next interval")
		return
	}
	if err := c.journal.Reset(); err != nil {
		log.Warn().Err(err).Str("pair", c.cfg.Pair.String()).Msg("journal reset after snapshot failed")
	}
}

// Submit enqueues a new order for validation and matching. The returned
// result reflects only validation/acceptance; fills happen afterward and
// are observed via the history service or the feed.
func (c *Controller) Submit(ctx context.Context, order common.Order) (SubmitResult, error) {
	reply := make(chan SubmitResult, 1)
	req := &submitRequest{order: order, reply: reply}
	select {
	case c.inbox <- req:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Cancel enqueues a cancellation request, signature over the order id.
func (c *Controller) Cancel(ctx context.Context, id common.OrderID, signature []byte) (CancelResult, error) {
	reply := make(chan CancelResult, 1)
	req := &cancelRequest{id: id, signature: signature, reply: reply}
	select {
	case c.inbox <- req:
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
}

// Depth serves a read-only book snapshot. Reads bypass the stash: they are
// always served in both states (spec.md §4.2).
func (c *Controller) Depth(ctx context.Context, maxDepth int) (bids, asks []book.DepthLevel, err error) {
	done := make(chan struct{})
	req := &readRequest{run: func() {
		bids, asks = c.book.Depth(maxDepth)
		close(done)
	}}
	select {
	case c.inbox <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case <-done:
		return bids, asks, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Orders serves every resident order, for admin/debug tooling.
func (c *Controller) Orders(ctx context.Context) ([]common.LimitOrder, error) {
	var out []common.LimitOrder
	done := make(chan struct{})
	req := &readRequest{run: func() {
		out = c.book.Orders()
		close(done)
	}}
	select {
	case c.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeletePair stops the controller and removes its journal and snapshots,
// per spec.md §4.2's "Deletion of a pair".
func (c *Controller) DeletePair() error {
	if err := c.Stop(); err != nil {
		return err
	}
	if err := persistence.Remove(c.cfg.FS, c.cfg.JournalPath); err != nil {
		return err
	}
	return persistence.RemoveAll(c.cfg.FS, c.cfg.SnapshotDir)
}
