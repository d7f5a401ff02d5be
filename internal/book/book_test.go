package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"prediction-exchange/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func order(id string, side types.Side, price, qty string, at time.Time) *types.Order {
	return &types.Order{
		ID:        id,
		MarketID:  "mkt-1",
		UserID:    "user-" + id,
		Side:      side,
		Type:      types.LIMIT,
		Outcome:   types.YES,
		Price:     d(price),
		Quantity:  d(qty),
		Filled:    decimal.Zero,
		Status:    types.OrderOpen,
		CreatedAt: at,
	}
}

func TestBestBidAskOrdering(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("a", types.BUY, "0.40", "10", t0))
	b.Insert(order("b", types.BUY, "0.45", "10", t0.Add(time.Second)))
	b.Insert(order("c", types.SELL, "0.60", "10", t0))
	b.Insert(order("d", types.SELL, "0.55", "10", t0.Add(time.Second)))

	if got := b.BestBid(); got == nil || !got.Price.Equal(d("0.45")) {
		t.Fatalf("BestBid = %v, want price 0.45", got)
	}
	if got := b.BestAsk(); got == nil || !got.Price.Equal(d("0.55")) {
		t.Fatalf("BestAsk = %v, want price 0.55", got)
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("late", types.SELL, "0.60", "5", t0.Add(time.Second)))
	b.Insert(order("early", types.SELL, "0.60", "5", t0))

	if got := b.BestAsk(); got.ID != "early" {
		t.Fatalf("BestAsk.ID = %q, want %q", got.ID, "early")
	}
}

func TestIDTieBreakAtSameTimestamp(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	// Identical price and createdAt: lexicographically smaller ID wins.
	b.Insert(order("zz", types.SELL, "0.60", "5", t0))
	b.Insert(order("aa", types.SELL, "0.60", "5", t0))

	if got := b.BestAsk(); got.ID != "aa" {
		t.Fatalf("BestAsk.ID = %q, want %q", got.ID, "aa")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("a", types.SELL, "0.60", "5", t0))
	b.Insert(order("b", types.SELL, "0.60", "5", t0.Add(time.Second)))

	removed, ok := b.Remove("a")
	if !ok || removed.ID != "a" {
		t.Fatalf("Remove(a) = %v, %v", removed, ok)
	}
	if got := b.BestAsk(); got.ID != "b" {
		t.Fatalf("BestAsk.ID after remove = %q, want %q", got.ID, "b")
	}
	if _, ok := b.Remove("a"); ok {
		t.Error("second Remove(a) reported ok")
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestRemoveLastOrderDropsLevel(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("a", types.SELL, "0.60", "5", t0))
	b.Remove("a")

	if got := b.BestAsk(); got != nil {
		t.Fatalf("BestAsk = %v, want nil", got)
	}
}

func TestIterMatchingBuyLimit(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("cheap", types.SELL, "0.50", "3", t0))
	b.Insert(order("mid", types.SELL, "0.58", "3", t0))
	b.Insert(order("rich", types.SELL, "0.70", "3", t0))

	incoming := order("taker", types.BUY, "0.60", "10", t0.Add(time.Minute))
	var ids []string
	b.IterMatching(incoming, func(o *types.Order) bool {
		ids = append(ids, o.ID)
		return true
	})

	want := []string{"cheap", "mid"}
	if len(ids) != len(want) {
		t.Fatalf("candidates = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", ids, want)
		}
	}
}

func TestIterMatchingSellLimit(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("high", types.BUY, "0.65", "3", t0))
	b.Insert(order("low", types.BUY, "0.40", "3", t0))

	incoming := order("taker", types.SELL, "0.60", "10", t0.Add(time.Minute))
	var ids []string
	b.IterMatching(incoming, func(o *types.Order) bool {
		ids = append(ids, o.ID)
		return true
	})

	if len(ids) != 1 || ids[0] != "high" {
		t.Fatalf("candidates = %v, want [high]", ids)
	}
}

func TestIterMatchingMarketWalksAllLevels(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("a", types.SELL, "0.50", "3", t0))
	b.Insert(order("b", types.SELL, "0.90", "3", t0))

	incoming := order("taker", types.BUY, "0", "10", t0.Add(time.Minute))
	incoming.Type = types.MARKET
	incoming.Price = decimal.Zero

	var n int
	b.IterMatching(incoming, func(o *types.Order) bool {
		n++
		return true
	})
	if n != 2 {
		t.Fatalf("market walk yielded %d candidates, want 2", n)
	}
}

func TestSnapshotAggregation(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	b.Insert(order("a", types.SELL, "0.60", "6", t0))
	partial := order("b", types.SELL, "0.60", "10", t0.Add(time.Second))
	partial.Filled = d("4")
	b.Insert(partial)
	b.Insert(order("c", types.SELL, "0.65", "2", t0))
	b.Insert(order("e", types.BUY, "0.40", "1", t0))
	b.Insert(order("f", types.BUY, "0.45", "1", t0))

	snap := b.Snapshot()

	if len(snap.Asks) != 2 {
		t.Fatalf("asks levels = %d, want 2", len(snap.Asks))
	}
	// Remaining at 0.60 is 6 + (10-4) = 12 across two orders.
	if !snap.Asks[0].Price.Equal(d("0.60")) || !snap.Asks[0].Quantity.Equal(d("12")) || snap.Asks[0].Orders != 2 {
		t.Errorf("asks[0] = %+v, want 0.60 x 12 (2 orders)", snap.Asks[0])
	}
	// Bids descending.
	if !snap.Bids[0].Price.Equal(d("0.45")) {
		t.Errorf("bids[0].Price = %s, want 0.45", snap.Bids[0].Price)
	}
}

func TestCrossedIgnoresSameUser(t *testing.T) {
	t.Parallel()
	b := New("mkt-1", types.YES)

	ask := order("ask", types.SELL, "0.60", "5", t0)
	ask.UserID = "alice"
	bid := order("bid", types.BUY, "0.65", "3", t0.Add(time.Second))
	bid.UserID = "alice"
	b.Insert(ask)
	b.Insert(bid)

	if b.Crossed() {
		t.Error("same-user crossing reported as crossed book")
	}

	other := order("bid2", types.BUY, "0.65", "3", t0.Add(2*time.Second))
	other.UserID = "bob"
	b.Insert(other)
	if !b.Crossed() {
		t.Error("cross-user crossing not detected")
	}
}
