// Package store provides the durable state layer on top of bbolt.
//
// bbolt gives a single-writer, fully serializable transaction model: every
// engine submission runs inside one Update transaction, and either all of
// its order/trade/balance/position mutations become visible or none do.
// Values are JSON-encoded; composite keys are "/"-joined so prefix scans
// serve the read paths (open orders per market, trades per market,
// positions per user).
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"prediction-exchange/pkg/types"
)

// Bucket names.
var (
	bucketUsers       = []byte("users")
	bucketBalances    = []byte("balances")
	bucketMarkets     = []byte("markets")
	bucketMarketSlugs = []byte("market_slugs") // slug -> market ID
	bucketOrders      = []byte("orders")
	bucketOpenOrders  = []byte("open_orders") // marketID/orderID -> orderID
	bucketTrades      = []byte("trades")
	bucketTradeIdx    = []byte("trades_by_market") // marketID/createdAt/tradeID -> tradeID
	bucketPositions   = []byte("positions")        // userID/marketID/outcome -> Position
	bucketOrderEvents = []byte("order_events")     // orderID/seq -> OrderEvent
	bucketIdempotency = []byte("idempotency")      // userID/key -> idempotency record
)

var buckets = [][]byte{
	bucketUsers, bucketBalances, bucketMarkets, bucketMarketSlugs,
	bucketOrders, bucketOpenOrders, bucketTrades, bucketTradeIdx,
	bucketPositions, bucketOrderEvents, bucketIdempotency,
}

// ErrNotFound is returned by getters when no row exists.
var ErrNotFound = types.E(types.CodeNotFound, "not found")

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file, creating parent directories and
// all buckets.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a typed view over one bbolt transaction.
type Tx struct {
	btx *bolt.Tx
}

// Update runs fn inside a single serializable read-write transaction.
// Any error aborts the whole transaction; nothing becomes visible.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

func key(parts ...string) []byte {
	out := []byte(parts[0])
	for _, p := range parts[1:] {
		out = append(out, '/')
		out = append(out, p...)
	}
	return out
}

func put(b *bolt.Bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return b.Put(k, data)
}

func get(b *bolt.Bucket, k []byte, v any) error {
	data := b.Get(k)
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// Users.

// PutUser writes a user row.
func (t *Tx) PutUser(u types.User) error {
	return put(t.btx.Bucket(bucketUsers), key(u.ID), u)
}

// GetUser reads a user row.
func (t *Tx) GetUser(id string) (types.User, error) {
	var u types.User
	err := get(t.btx.Bucket(bucketUsers), key(id), &u)
	return u, err
}

// Users returns all users.
func (t *Tx) Users() ([]types.User, error) {
	var out []types.User
	err := t.btx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
		var u types.User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

// Balances.

// PutBalance writes a balance row.
func (t *Tx) PutBalance(b types.Balance) error {
	return put(t.btx.Bucket(bucketBalances), key(b.UserID), b)
}

// GetBalance reads a balance row.
func (t *Tx) GetBalance(userID string) (types.Balance, error) {
	var b types.Balance
	err := get(t.btx.Bucket(bucketBalances), key(userID), &b)
	return b, err
}

// Balances returns all balance rows.
func (t *Tx) Balances() ([]types.Balance, error) {
	var out []types.Balance
	err := t.btx.Bucket(bucketBalances).ForEach(func(_, v []byte) error {
		var b types.Balance
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// Markets.

// PutMarket writes a market row and its slug index entry.
func (t *Tx) PutMarket(m types.Market) error {
	if err := put(t.btx.Bucket(bucketMarkets), key(m.ID), m); err != nil {
		return err
	}
	return t.btx.Bucket(bucketMarketSlugs).Put(key(m.Slug), []byte(m.ID))
}

// GetMarket reads a market by ID.
func (t *Tx) GetMarket(id string) (types.Market, error) {
	var m types.Market
	err := get(t.btx.Bucket(bucketMarkets), key(id), &m)
	return m, err
}

// GetMarketBySlug reads a market by its unique slug.
func (t *Tx) GetMarketBySlug(slug string) (types.Market, error) {
	id := t.btx.Bucket(bucketMarketSlugs).Get(key(slug))
	if id == nil {
		return types.Market{}, ErrNotFound
	}
	return t.GetMarket(string(id))
}

// Markets returns all markets.
func (t *Tx) Markets() ([]types.Market, error) {
	var out []types.Market
	err := t.btx.Bucket(bucketMarkets).ForEach(func(_, v []byte) error {
		var m types.Market
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// Orders.

// PutOrder writes an order row and maintains the open-orders index: rows
// for OPEN/PARTIAL orders, removed once the order is terminal.
func (t *Tx) PutOrder(o types.Order) error {
	if err := put(t.btx.Bucket(bucketOrders), key(o.ID), o); err != nil {
		return err
	}
	idx := t.btx.Bucket(bucketOpenOrders)
	idxKey := key(o.MarketID, o.ID)
	if o.Status == types.OrderOpen || o.Status == types.OrderPartial {
		return idx.Put(idxKey, []byte(o.ID))
	}
	return idx.Delete(idxKey)
}

// GetOrder reads an order by ID.
func (t *Tx) GetOrder(id string) (types.Order, error) {
	var o types.Order
	err := get(t.btx.Bucket(bucketOrders), key(id), &o)
	return o, err
}

// OpenOrdersByMarket returns all OPEN/PARTIAL orders for a market, in
// unspecified order; callers sort by their own priority rules.
func (t *Tx) OpenOrdersByMarket(marketID string) ([]types.Order, error) {
	var out []types.Order
	prefix := key(marketID, "")
	c := t.btx.Bucket(bucketOpenOrders).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		o, err := t.GetOrder(string(v))
		if err != nil {
			return nil, fmt.Errorf("open order index points at missing order %s: %w", v, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Trades.

// PutTrade writes a trade row and its (marketID, createdAt) index entry.
// Trades are write-once; a second put with the same ID is a bug.
func (t *Tx) PutTrade(tr types.Trade) error {
	if err := put(t.btx.Bucket(bucketTrades), key(tr.ID), tr); err != nil {
		return err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tr.CreatedAt.UnixNano()))
	idxKey := append(key(tr.MarketID, string(ts[:])), append([]byte("/"), tr.ID...)...)
	return t.btx.Bucket(bucketTradeIdx).Put(idxKey, []byte(tr.ID))
}

// RecentTrades returns up to limit trades for a market, newest first.
func (t *Tx) RecentTrades(marketID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []types.Trade
	prefix := key(marketID, "")
	c := t.btx.Bucket(bucketTradeIdx).Cursor()

	// Walk the index backwards from just past the market's key range.
	end := append(append([]byte{}, prefix...), 0xff)
	k, v := c.Seek(end)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
		var tr types.Trade
		if err := get(t.btx.Bucket(bucketTrades), key(string(v)), &tr); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// Positions.

func positionKey(userID, marketID string, outcome types.Outcome) []byte {
	return key(userID, marketID, string(outcome))
}

// PutPosition writes a position row.
func (t *Tx) PutPosition(p types.Position) error {
	return put(t.btx.Bucket(bucketPositions), positionKey(p.UserID, p.MarketID, p.Outcome), p)
}

// GetPosition reads the position for (user, market, outcome).
func (t *Tx) GetPosition(userID, marketID string, outcome types.Outcome) (types.Position, error) {
	var p types.Position
	err := get(t.btx.Bucket(bucketPositions), positionKey(userID, marketID, outcome), &p)
	return p, err
}

// PositionsByUser returns all of a user's positions.
func (t *Tx) PositionsByUser(userID string) ([]types.Position, error) {
	var out []types.Position
	prefix := key(userID, "")
	c := t.btx.Bucket(bucketPositions).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var p types.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PositionsByMarket returns every position row for a market, across users.
func (t *Tx) PositionsByMarket(marketID string) ([]types.Position, error) {
	var out []types.Position
	err := t.btx.Bucket(bucketPositions).ForEach(func(_, v []byte) error {
		var p types.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		if p.MarketID == marketID {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Positions returns every position row.
func (t *Tx) Positions() ([]types.Position, error) {
	var out []types.Position
	err := t.btx.Bucket(bucketPositions).ForEach(func(_, v []byte) error {
		var p types.Position
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Order events (append-only audit log).

// AppendOrderEvent appends an audit entry for an order. Entries are keyed
// by a per-bucket auto-increment so append order is preserved.
func (t *Tx) AppendOrderEvent(ev types.OrderEvent) error {
	b := t.btx.Bucket(bucketOrderEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	var sk [8]byte
	binary.BigEndian.PutUint64(sk[:], seq)
	return put(b, key(ev.OrderID, string(sk[:])), ev)
}

// OrderEvents returns the audit log for one order, in append order.
func (t *Tx) OrderEvents(orderID string) ([]types.OrderEvent, error) {
	var out []types.OrderEvent
	prefix := key(orderID, "")
	c := t.btx.Bucket(bucketOrderEvents).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var ev types.OrderEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Idempotency.

// IdempotencyRecord caches the first result for a (user, key) pair.
type IdempotencyRecord struct {
	UserID    string                 `json:"user_id"`
	Key       string                 `json:"key"`
	BodyHash  string                 `json:"body_hash"`
	Result    types.PlaceOrderResult `json:"result"`
	Err       string                 `json:"err,omitempty"` // stable code when the original failed
	CreatedAt time.Time              `json:"created_at"`
}

// PutIdempotency stores the record for (user, key).
func (t *Tx) PutIdempotency(rec IdempotencyRecord) error {
	return put(t.btx.Bucket(bucketIdempotency), key(rec.UserID, rec.Key), rec)
}

// GetIdempotency fetches the record for (user, key).
func (t *Tx) GetIdempotency(userID, idemKey string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := get(t.btx.Bucket(bucketIdempotency), key(userID, idemKey), &rec)
	return rec, err
}

// DeleteIdempotency removes the record for (user, key).
func (t *Tx) DeleteIdempotency(userID, idemKey string) error {
	return t.btx.Bucket(bucketIdempotency).Delete(key(userID, idemKey))
}

// SweepIdempotency deletes records older than the TTL and returns how many
// were removed.
func (t *Tx) SweepIdempotency(now time.Time, ttl time.Duration) (int, error) {
	b := t.btx.Bucket(bucketIdempotency)
	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var rec IdempotencyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if now.Sub(rec.CreatedAt) > ttl {
			stale = append(stale, append([]byte{}, k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
