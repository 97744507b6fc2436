// Package market
package market

import (
	"time"
)

// Tick is one price update from the data feed. It is never mutated after it is emitted.
type Tick struct {
	Symbol    string
	Price     float64 // last traded price
	Bid       float64
	Ask       float64
	Volume    int64
	Timestamp time.Time
}

// Quote is a REST snapshot of a symbol.
type Quote struct {
	Symbol    string
	LTP       float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// OptionType is CE for calls and PE for puts.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// OptionContract is one row of an option chain.
type OptionContract struct {
	Symbol string
	Strike float64
	Type   OptionType
	Expiry time.Time
	LTP    float64
}

// Position is an open broker position as reported by the positions endpoint.
type Position struct {
	Symbol   string
	NetQty   int
	AvgPrice float64
	LTP      float64
	PnL      float64
}
