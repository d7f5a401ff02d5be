// Package book implements the in-memory price-time priority order book for
// a single (market, outcome) pair.
//
// Each side (bids, asks) is a B-tree of price levels; within a level,
// resting orders queue FIFO by createdAt with orderId as the deterministic
// tie-break. The Book never touches persistent storage — durability comes
// from ledger replay on startup.
package book

import (
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"prediction-exchange/pkg/types"
)

const btreeDegree = 32

// level is all resting orders at one price, in priority order.
type level struct {
	price  decimal.Decimal
	orders []*types.Order // FIFO: createdAt asc, then ID asc
}

// levelItem wraps a level for the btree. Less orders by price ascending;
// the side decides iteration direction.
type levelItem struct {
	price decimal.Decimal
	lvl   *level
}

func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LessThan(b.(*levelItem).price)
}

// side is one half of the book.
type side struct {
	tree *btree.BTree
	desc bool // bids iterate descending (best = highest), asks ascending
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price decimal.Decimal) *level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).lvl
}

func (s *side) getOrCreate(price decimal.Decimal) *level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := &level{price: price}
	s.tree.ReplaceOrInsert(&levelItem{price: price, lvl: lvl})
	return lvl
}

func (s *side) remove(price decimal.Decimal) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the top-of-side level: max price for bids, min for asks.
func (s *side) best() *level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).lvl
}

// iterate walks levels in priority order until fn returns false.
func (s *side) iterate(fn func(*level) bool) {
	wrap := func(item btree.Item) bool { return fn(item.(*levelItem).lvl) }
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// Book holds the resting OPEN/PARTIAL orders for one (market, outcome).
// It is not safe for concurrent use; the owning engine worker serializes
// all access.
type Book struct {
	marketID string
	outcome  types.Outcome
	bids     *side
	asks     *side
	byID     map[string]*types.Order // resting orders by ID
}

// New creates an empty book.
func New(marketID string, outcome types.Outcome) *Book {
	return &Book{
		marketID: marketID,
		outcome:  outcome,
		bids:     newSide(true),
		asks:     newSide(false),
		byID:     make(map[string]*types.Order),
	}
}

// MarketID returns the market this book belongs to.
func (b *Book) MarketID() string { return b.marketID }

// Outcome returns the outcome this book belongs to.
func (b *Book) Outcome() types.Outcome { return b.outcome }

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int { return len(b.byID) }

func (b *Book) sideFor(s types.Side) *side {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

// before reports whether order a has strictly higher time priority than c
// at the same price: earlier createdAt first, then smaller ID.
func before(a, c *types.Order) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

// Insert places an order into its side at the position dictated by
// (price, createdAt, id). Inserting an order whose ID is already resting
// replaces the stale entry.
func (b *Book) Insert(o *types.Order) {
	if _, ok := b.byID[o.ID]; ok {
		b.Remove(o.ID)
	}
	lvl := b.sideFor(o.Side).getOrCreate(o.Price)
	// Orders nearly always arrive in time order, so this is usually an
	// append; the binary search keeps coarse-clock ties deterministic.
	idx := sort.Search(len(lvl.orders), func(i int) bool {
		return before(o, lvl.orders[i])
	})
	lvl.orders = append(lvl.orders, nil)
	copy(lvl.orders[idx+1:], lvl.orders[idx:])
	lvl.orders[idx] = o
	b.byID[o.ID] = o
}

// Remove takes an order off the book by ID. Returns nil, false if the
// order is not resting.
func (b *Book) Remove(orderID string) (*types.Order, bool) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	s := b.sideFor(o.Side)
	lvl := s.get(o.Price)
	if lvl != nil {
		for i, ro := range lvl.orders {
			if ro.ID == orderID {
				lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
				break
			}
		}
		if len(lvl.orders) == 0 {
			s.remove(o.Price)
		}
	}
	delete(b.byID, orderID)
	return o, true
}

// Get returns the resting order with the given ID, if any.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	o, ok := b.byID[orderID]
	return o, ok
}

// BestBid returns the highest-priority resting BUY order, or nil.
func (b *Book) BestBid() *types.Order {
	if lvl := b.bids.best(); lvl != nil {
		return lvl.orders[0]
	}
	return nil
}

// BestAsk returns the highest-priority resting SELL order, or nil.
func (b *Book) BestAsk() *types.Order {
	if lvl := b.asks.best(); lvl != nil {
		return lvl.orders[0]
	}
	return nil
}

// IterMatching yields resting orders on the side opposite to incoming, in
// priority order, that satisfy the marketability predicate:
//
//	BUY LIMIT  — asks priced <= the buy limit
//	SELL LIMIT — bids priced >= the sell limit
//	MARKET     — everything, from best outward (the engine applies the
//	             slippage collar)
//
// Orders are yielded without being consumed; the engine decides what to
// take. fn must not mutate the book; it returns false to stop the walk.
func (b *Book) IterMatching(incoming *types.Order, fn func(*types.Order) bool) {
	opposite := b.sideFor(incoming.Side.Opposite())
	limit := incoming.Type == types.LIMIT
	opposite.iterate(func(lvl *level) bool {
		if limit {
			if incoming.Side == types.BUY && lvl.price.GreaterThan(incoming.Price) {
				return false
			}
			if incoming.Side == types.SELL && lvl.price.LessThan(incoming.Price) {
				return false
			}
		}
		for _, o := range lvl.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

// Snapshot aggregates remaining quantity per price level: bids descending,
// asks ascending. Slices are always non-nil so they serialize as [].
func (b *Book) Snapshot() types.BookSnapshot {
	snap := types.BookSnapshot{
		MarketID: b.marketID,
		Outcome:  b.outcome,
		Bids:     []types.PriceLevel{},
		Asks:     []types.PriceLevel{},
	}
	collect := func(s *side) []types.PriceLevel {
		levels := []types.PriceLevel{}
		s.iterate(func(lvl *level) bool {
			qty := decimal.Zero
			for _, o := range lvl.orders {
				qty = qty.Add(o.Remaining())
			}
			levels = append(levels, types.PriceLevel{
				Price:    lvl.price,
				Quantity: qty,
				Orders:   len(lvl.orders),
			})
			return true
		})
		return levels
	}
	snap.Bids = collect(b.bids)
	snap.Asks = collect(b.asks)
	return snap
}

// Crossed reports whether the best bid and best ask of two different users
// overlap. Same-user crossing is permitted (self-trade skip leaves both
// resting), so the check walks past same-user pairs.
func (b *Book) Crossed() bool {
	bestAsk := b.BestAsk()
	if bestAsk == nil {
		return false
	}
	crossed := false
	b.bids.iterate(func(lvl *level) bool {
		if lvl.price.LessThan(bestAsk.Price) {
			return false
		}
		for _, bid := range lvl.orders {
			// A bid at or above some ask from another user means matching
			// failed to consume a crossing pair.
			found := false
			b.asks.iterate(func(alvl *level) bool {
				if alvl.price.GreaterThan(lvl.price) {
					return false
				}
				for _, ask := range alvl.orders {
					if ask.UserID != bid.UserID {
						found = true
						return false
					}
				}
				return true
			})
			if found {
				crossed = true
				return false
			}
		}
		return true
	})
	return crossed
}
