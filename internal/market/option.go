package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrEmptyChain = errors.New("option chain is empty")

// RoundToStrike rounds price to the nearest multiple of step.
func RoundToStrike(price float64, step int) float64 {
	if step <= 0 {
		return price
	}
	s := float64(step)
	return math.Round(price/s) * s
}

// SelectContract picks the contract of type t with the nearest non-expired expiry and,
// within that expiry, the strike closest to the at-the-money strike for spot.
func SelectContract(chain []OptionContract, spot float64, step int, t OptionType, today time.Time) (OptionContract, error) {
	if len(chain) == 0 {
		return OptionContract{}, ErrEmptyChain
	}
	atm := RoundToStrike(spot, step)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())

	var (
		best      OptionContract
		bestGap   = time.Duration(math.MaxInt64)
		bestDist  = math.MaxFloat64
		haveMatch bool
	)
	for _, c := range chain {
		if c.Type != t || c.Symbol == "" {
			continue
		}
		gap := c.Expiry.Sub(day)
		if c.Expiry.IsZero() {
			gap = 0
		}
		if gap < 0 {
			continue
		}
		dist := math.Abs(c.Strike - atm)
		if !haveMatch || gap < bestGap || (gap == bestGap && dist < bestDist) {
			best, bestGap, bestDist, haveMatch = c, gap, dist, true
		}
	}
	if !haveMatch {
		return OptionContract{}, fmt.Errorf("no %s contracts with a live expiry in chain of %d", t, len(chain))
	}
	return best, nil
}
