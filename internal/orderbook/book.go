// Package orderbook implements a price-time priority limit order book and
// the matching engine that sweeps it.
//
// Price levels live in google/btree trees ordered best-first (bids
// descending, asks ascending), giving O(log n) best-price lookup. Each level
// is a FIFO list with an id index so cancels are O(1).
package orderbook

import (
	"container/list"
	"errors"
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrOrderNotFound = errors.New("orderbook: order not found")
	ErrInvalidOrder  = errors.New("orderbook: invalid order")
	ErrDuplicateID   = errors.New("orderbook: duplicate order id")
)

const treeDegree = 32

// level is one price with its FIFO queue of resting orders.
type level struct {
	price  decimal.Decimal
	size   decimal.Decimal
	orders *list.List // of *model.Order, front is oldest
}

// orderRef locates a resting order for O(1) removal.
type orderRef struct {
	side  model.Side
	level *level
	elem  *list.Element
}

// bookSide is one side of the book.
type bookSide struct {
	side   model.Side
	levels *btree.BTreeG[*level]
}

func newBookSide(side model.Side) *bookSide {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	if side == model.Buy {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{side: side, levels: btree.NewG(treeDegree, less)}
}

func (s *bookSide) best() (*level, bool) {
	return s.levels.Min()
}

func (s *bookSide) get(price decimal.Decimal) (*level, bool) {
	return s.levels.Get(&level{price: price})
}

// Book is a single-instrument order book. It is not safe for concurrent
// use; the engine serialises every call.
type Book struct {
	bids  *bookSide
	asks  *bookSide
	index map[string]orderRef
}

// New creates an empty book.
func New() *Book {
	return &Book{
		bids:  newBookSide(model.Buy),
		asks:  newBookSide(model.Sell),
		index: make(map[string]orderRef),
	}
}

func (b *Book) side(s model.Side) *bookSide {
	if s == model.Buy {
		return b.bids
	}
	return b.asks
}

// Add rests a limit order at its price, behind existing orders at that level.
func (b *Book) Add(o *model.Order) error {
	if o.Kind != model.Limit || !o.LimitPrice.IsPositive() || !o.Remaining.IsPositive() {
		return ErrInvalidOrder
	}
	if _, exists := b.index[o.ID]; exists {
		return ErrDuplicateID
	}
	bs := b.side(o.Side)
	lvl, ok := bs.get(o.LimitPrice)
	if !ok {
		lvl = &level{price: o.LimitPrice, size: decimal.Zero, orders: list.New()}
		bs.levels.ReplaceOrInsert(lvl)
	}
	elem := lvl.orders.PushBack(o)
	lvl.size = lvl.size.Add(o.Remaining)
	b.index[o.ID] = orderRef{side: o.Side, level: lvl, elem: elem}
	return nil
}

// Cancel removes a resting order and marks it cancelled.
func (b *Book) Cancel(id string) (*model.Order, error) {
	ref, ok := b.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o := b.remove(ref)
	delete(b.index, id)
	o.Cancel()
	return o, nil
}

// remove unlinks the order behind ref and drops its level when empty.
func (b *Book) remove(ref orderRef) *model.Order {
	o := ref.level.orders.Remove(ref.elem).(*model.Order)
	ref.level.size = ref.level.size.Sub(o.Remaining)
	if ref.level.orders.Len() == 0 {
		b.side(ref.side).levels.Delete(ref.level)
	}
	return o
}

// Get returns a resting order by id.
func (b *Book) Get(id string) (*model.Order, bool) {
	ref, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return ref.elem.Value.(*model.Order), true
}

// Len is the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

// OrdersOf returns the resting orders of owner, oldest first.
func (b *Book) OrdersOf(owner model.Owner) []*model.Order {
	var out []*model.Order
	for _, ref := range b.index {
		o := ref.elem.Value.(*model.Order)
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Orders returns every resting order, oldest first.
func (b *Book) Orders() []*model.Order {
	out := make([]*model.Order, 0, len(b.index))
	for _, ref := range b.index {
		out = append(out, ref.elem.Value.(*model.Order))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Best returns the best price on a side.
func (b *Book) Best(side model.Side) (decimal.Decimal, bool) {
	lvl, ok := b.side(side).best()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// Levels returns up to depth aggregated levels per side, best first.
// depth <= 0 returns every level.
func (b *Book) Levels(depth int) (bids, asks []model.BookLevel) {
	return b.bids.snapshot(depth), b.asks.snapshot(depth)
}

func (s *bookSide) snapshot(depth int) []model.BookLevel {
	out := []model.BookLevel{}
	s.levels.Ascend(func(lvl *level) bool {
		out = append(out, model.BookLevel{Price: lvl.price, Size: lvl.size, Orders: lvl.orders.Len()})
		return depth <= 0 || len(out) < depth
	})
	return out
}

// SweepPrice walks the side opposite to taker as a market order of size
// would, skipping orders owned by exclude. It returns the worst price
// reached and the size that could fill; ok is false when nothing would.
func (b *Book) SweepPrice(taker model.Side, size decimal.Decimal, exclude model.Owner) (worst, fillable decimal.Decimal, ok bool) {
	remaining := size
	fillable = decimal.Zero
	b.side(taker.Opposite()).levels.Ascend(func(lvl *level) bool {
		for e := lvl.orders.Front(); e != nil && remaining.IsPositive(); e = e.Next() {
			o := e.Value.(*model.Order)
			if o.Owner == exclude {
				continue
			}
			qty := decimal.Min(remaining, o.Remaining)
			remaining = remaining.Sub(qty)
			fillable = fillable.Add(qty)
			worst = lvl.price
			ok = true
		}
		return remaining.IsPositive()
	})
	return worst, fillable, ok
}
