package oracle

import (
	"errors"
	"math/big"
	"sort"
)

var (
	ErrNilState     = errors.New("oracle: state not configured")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
	ErrDeviation    = errors.New("oracle: submission deviates beyond tolerance")
	ErrNoFreshPrice = errors.New("oracle: not enough fresh quotes")
)

var basisPoints = big.NewInt(10_000)

// Quote is one source's latest observation for a symbol.
type Quote struct {
	Source string
	Price  *big.Int
	Height uint64
}

// Clone returns a deep copy of the quote.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	clone := &Quote{Source: q.Source, Height: q.Height}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Config bounds how much a single feed value can move the ledger: quotes age
// out after MaxAgeBlocks, submissions deviating more than MaxDeviationBps
// from the running median are rejected, and fewer than MinSources fresh
// quotes yields no price at all.
type Config struct {
	MaxAgeBlocks    uint64
	MaxDeviationBps uint64
	MinSources      uint64
}

type feedState interface {
	GetQuote(symbol, source string) (*Quote, error)
	PutQuote(symbol string, quote *Quote) error
	ListQuotes(symbol string) ([]*Quote, error)
}

// Feed aggregates per-source price submissions into a bounds-checked median.
// Every submitted value is treated as untrusted input.
type Feed struct {
	state feedState
	cfg   Config
}

// NewFeed constructs a feed with the supplied tolerances.
func NewFeed(cfg Config) *Feed {
	return &Feed{cfg: cfg}
}

// SetState wires the feed to the external persistence layer.
func (f *Feed) SetState(state feedState) { f.state = state }

// Config returns the configured tolerances.
func (f *Feed) Config() Config {
	if f == nil {
		return Config{}
	}
	return f.cfg
}

// Submit records a source's observation. When a median already exists the
// submission must stay within the deviation tolerance, which caps the blast
// radius of a single compromised source.
func (f *Feed) Submit(source, symbol string, price *big.Int, height uint64) error {
	if f == nil || f.state == nil {
		return ErrNilState
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if f.cfg.MaxDeviationBps > 0 {
		if current, err := f.Price(symbol, height); err == nil {
			diff := new(big.Int).Sub(price, current)
			diff.Abs(diff)
			diff.Mul(diff, basisPoints)
			bound := new(big.Int).Mul(current, new(big.Int).SetUint64(f.cfg.MaxDeviationBps))
			if diff.Cmp(bound) > 0 {
				return ErrDeviation
			}
		}
	}
	return f.state.PutQuote(symbol, &Quote{Source: source, Price: new(big.Int).Set(price), Height: height})
}

// Price returns the median over all quotes still fresh at the given height.
// Fewer fresh quotes than MinSources is treated as having no price.
func (f *Feed) Price(symbol string, height uint64) (*big.Int, error) {
	if f == nil || f.state == nil {
		return nil, ErrNilState
	}
	quotes, err := f.state.ListQuotes(symbol)
	if err != nil {
		return nil, err
	}
	fresh := make([]*big.Int, 0, len(quotes))
	for _, quote := range quotes {
		if quote == nil || quote.Price == nil || quote.Price.Sign() <= 0 {
			continue
		}
		if f.cfg.MaxAgeBlocks > 0 && quote.Height+f.cfg.MaxAgeBlocks < height {
			continue
		}
		fresh = append(fresh, quote.Price)
	}
	minSources := f.cfg.MinSources
	if minSources == 0 {
		minSources = 1
	}
	if uint64(len(fresh)) < minSources {
		return nil, ErrNoFreshPrice
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Cmp(fresh[j]) < 0 })
	return new(big.Int).Set(fresh[len(fresh)/2]), nil
}
