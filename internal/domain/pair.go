package domain

import (
	"fmt"
	"strings"
)

// Pair is a base/quote trading pair, e.g. BTC/USDT.
type Pair struct {
	Base  Asset
	Quote Asset
}

// ParsePair validates a "BASE/QUOTE" symbol against the closed asset set.
func ParsePair(symbol string) (Pair, error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("%w: malformed pair %q", ErrInvalidState, symbol)
	}
	base, ok := ParseAsset(parts[0])
	if !ok {
		return Pair{}, fmt.Errorf("%w: unknown base asset %q", ErrNotFound, parts[0])
	}
	quote, ok := ParseAsset(parts[1])
	if !ok {
		return Pair{}, fmt.Errorf("%w: unknown quote asset %q", ErrNotFound, parts[1])
	}
	return Pair{Base: base, Quote: quote}, nil
}

func (p Pair) String() string {
	return p.Base.String() + "/" + p.Quote.String()
}

// MarshalText lets Pair serve as a JSON map key in snapshots.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
