// Package ticker mints asset tickers as an odometer over a fixed alphabet.
//
// Tickers are base-36 numerals written most-significant symbol first. The
// allocator holds no state: callers pass the last persisted ticker and
// persist the new high-water mark together with the assets they create.
package ticker

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Alphabet is the symbol order, minimum first.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidTicker is returned for empty tickers or symbols outside Alphabet.
var ErrInvalidTicker = eris.New("ticker: invalid ticker")

// First and last symbols of Alphabet.
const (
	minSymbol byte = 'A'
	maxSymbol byte = '9'
)

// Valid reports whether t is a non-empty string over Alphabet.
func Valid(t string) bool {
	if t == "" {
		return false
	}
	for i := 0; i < len(t); i++ {
		if strings.IndexByte(Alphabet, t[i]) < 0 {
			return false
		}
	}
	return true
}

// Next returns the successor of prev. Maxed-out symbols roll over to the
// minimum and carry left; when every symbol is at the maximum the result
// grows by one symbol and is all minimum.
func Next(prev string) (string, error) {
	if !Valid(prev) {
		return "", eris.Wrapf(ErrInvalidTicker, "next %q", prev)
	}

	b := []byte(prev)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != maxSymbol {
			b[i] = Alphabet[strings.IndexByte(Alphabet, b[i])+1]
			return string(b), nil
		}
		b[i] = minSymbol
	}
	return string(minSymbol) + string(b), nil
}

// NextN returns the n tickers following prev, in order. The last element is
// the new high-water mark.
func NextN(prev string, n int) ([]string, error) {
	if n < 0 {
		return nil, eris.Errorf("ticker: negative batch size %d", n)
	}
	out := make([]string, 0, n)
	cur := prev
	for range n {
		next, err := Next(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// Less orders tickers by the successor order: shorter tickers come first,
// equal-width tickers compare symbol by symbol in Alphabet order.
func Less(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := 0; i < len(a); i++ {
		ai, bi := strings.IndexByte(Alphabet, a[i]), strings.IndexByte(Alphabet, b[i])
		if ai != bi {
			return ai < bi
		}
	}
	return false
}

// Mint returns n fresh tickers following the high-water mark hwm. An empty
// hwm means nothing has been minted yet, so the batch starts at seed.
func Mint(hwm, seed string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if hwm != "" {
		return NextN(hwm, n)
	}
	if !Valid(seed) {
		return nil, eris.Wrapf(ErrInvalidTicker, "seed %q", seed)
	}
	rest, err := NextN(seed, n-1)
	if err != nil {
		return nil, err
	}
	return append([]string{seed}, rest...), nil
}
