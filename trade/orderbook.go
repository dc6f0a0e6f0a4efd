package trade

import (
	"sort"

	"github.com/shopspring/decimal"
)

// OrderBook holds the resting limit orders for one trading pair: bids sorted
// by price descending, asks ascending, ties broken by arrival sequence
// (price-time priority). The owning shard is the only writer; the processor
// serializes access per pair.
type OrderBook struct {
	pair string
	bids []*Order
	asks []*Order
}

// NewOrderBook creates an empty book for the pair.
func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{pair: pair}
}

// Pair returns the trading pair this book covers.
func (b *OrderBook) Pair() string { return b.pair }

// bidBefore reports whether x has priority over y on the bid side.
func bidBefore(x, y *Order) bool {
	if !x.Request.LimitPrice.Equal(y.Request.LimitPrice) {
		return x.Request.LimitPrice.GreaterThan(y.Request.LimitPrice)
	}
	return x.Sequence < y.Sequence
}

// askBefore reports whether x has priority over y on the ask side.
func askBefore(x, y *Order) bool {
	if !x.Request.LimitPrice.Equal(y.Request.LimitPrice) {
		return x.Request.LimitPrice.LessThan(y.Request.LimitPrice)
	}
	return x.Sequence < y.Sequence
}

// Insert places a resting limit order on its side of the book.
func (b *OrderBook) Insert(o *Order) {
	if o.Request.Side == SideBuy {
		idx := sort.Search(len(b.bids), func(i int) bool { return !bidBefore(b.bids[i], o) })
		b.bids = append(b.bids, nil)
		copy(b.bids[idx+1:], b.bids[idx:])
		b.bids[idx] = o
		return
	}
	idx := sort.Search(len(b.asks), func(i int) bool { return !askBefore(b.asks[i], o) })
	b.asks = append(b.asks, nil)
	copy(b.asks[idx+1:], b.asks[idx:])
	b.asks[idx] = o
}

// Remove deletes an order by id, scanning both sides since the caller does
// not know which side the order occupies. It returns the removed order and
// the side it was found on.
func (b *OrderBook) Remove(orderID string) (*Order, OrderSide, bool) {
	for i, o := range b.bids {
		if o.ID() == orderID {
			b.bids = append(b.bids[:i], b.bids[i+1:]...)
			return o, SideBuy, true
		}
	}
	for i, o := range b.asks {
		if o.ID() == orderID {
			b.asks = append(b.asks[:i], b.asks[i+1:]...)
			return o, SideSell, true
		}
	}
	return nil, "", false
}

// BestBid returns the highest-priced resting buy order, or nil.
func (b *OrderBook) BestBid() *Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the lowest-priced resting sell order, or nil.
func (b *OrderBook) BestAsk() *Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Size returns the number of resting orders on both sides.
func (b *OrderBook) Size() int {
	return len(b.bids) + len(b.asks)
}

// Fill is one execution produced by a matching pass: quantity crossed
// between a buy and a sell at the resting order's price.
type Fill struct {
	Buy      *Order
	Sell     *Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Match sweeps the book while the best bid price is at or above the best ask
// price, crossing quantity in price-time priority with partial fills. Orders
// that fill completely are removed from the book with zero Remaining; a
// partially filled order keeps its place and its reduced Remaining. The
// caller owns executing the returned fills.
func (b *OrderBook) Match() []Fill {
	var fills []Fill

	for len(b.bids) > 0 && len(b.asks) > 0 {
		bid, ask := b.bids[0], b.asks[0]
		if bid.Request.LimitPrice.LessThan(ask.Request.LimitPrice) {
			break
		}

		// Execution price is the resting side's price: whichever order
		// arrived first set the level the other crossed into.
		price := bid.Request.LimitPrice
		if ask.Sequence < bid.Sequence {
			price = ask.Request.LimitPrice
		}

		qty := bid.Remaining
		if ask.Remaining.LessThan(qty) {
			qty = ask.Remaining
		}

		bid.Remaining = bid.Remaining.Sub(qty)
		ask.Remaining = ask.Remaining.Sub(qty)
		fills = append(fills, Fill{Buy: bid, Sell: ask, Price: price, Quantity: qty})

		if bid.Remaining.IsZero() {
			b.bids = b.bids[1:]
		}
		if ask.Remaining.IsZero() {
			b.asks = b.asks[1:]
		}
	}

	return fills
}

// Level is one price level in a depth snapshot.
type Level struct {
	OrderID  string          `json:"orderId"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth returns up to n levels from each side for diagnostics: bids from the
// top of the book down, asks from the bottom up.
func (b *OrderBook) Depth(n int) (bids, asks []Level) {
	for i := 0; i < len(b.bids) && i < n; i++ {
		o := b.bids[i]
		bids = append(bids, Level{OrderID: o.ID(), Price: o.Request.LimitPrice, Quantity: o.Remaining})
	}
	for i := 0; i < len(b.asks) && i < n; i++ {
		o := b.asks[i]
		asks = append(asks, Level{OrderID: o.ID(), Price: o.Request.LimitPrice, Quantity: o.Remaining})
	}
	return bids, asks
}
