package oracle

import (
	"math/big"
	"testing"
)

type mockFeedState struct {
	quotes map[string]map[string]*Quote
}

func newMockFeedState() *mockFeedState {
	return &mockFeedState{quotes: make(map[string]map[string]*Quote)}
}

func (m *mockFeedState) GetQuote(symbol, source string) (*Quote, error) {
	if bySource, ok := m.quotes[symbol]; ok {
		return bySource[source].Clone(), nil
	}
	return nil, nil
}

func (m *mockFeedState) PutQuote(symbol string, quote *Quote) error {
	bySource, ok := m.quotes[symbol]
	if !ok {
		bySource = make(map[string]*Quote)
		m.quotes[symbol] = bySource
	}
	bySource[quote.Source] = quote.Clone()
	return nil
}

func (m *mockFeedState) ListQuotes(symbol string) ([]*Quote, error) {
	bySource := m.quotes[symbol]
	out := make([]*Quote, 0, len(bySource))
	for _, quote := range bySource {
		out = append(out, quote.Clone())
	}
	return out, nil
}

func newTestFeed(cfg Config) (*Feed, *mockFeedState) {
	state := newMockFeedState()
	feed := NewFeed(cfg)
	feed.SetState(state)
	return feed, state
}

func TestFeedMedianAcrossSources(t *testing.T) {
	feed, _ := newTestFeed(Config{MaxAgeBlocks: 10})
	if err := feed.Submit("a", "ATOM", big.NewInt(95), 5); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := feed.Submit("b", "ATOM", big.NewInt(100), 5); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if err := feed.Submit("c", "ATOM", big.NewInt(104), 6); err != nil {
		t.Fatalf("submit c: %v", err)
	}
	price, err := feed.Price("ATOM", 8)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("median = %s, want 100", price)
	}
}

func TestFeedAgesOutStaleQuotes(t *testing.T) {
	feed, _ := newTestFeed(Config{MaxAgeBlocks: 10})
	if err := feed.Submit("a", "ATOM", big.NewInt(100), 5); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := feed.Price("ATOM", 15); err != nil {
		t.Fatalf("price at boundary: %v", err)
	}
	if _, err := feed.Price("ATOM", 16); err != ErrNoFreshPrice {
		t.Fatalf("stale price err = %v, want ErrNoFreshPrice", err)
	}
}

func TestFeedRequiresMinimumSources(t *testing.T) {
	feed, _ := newTestFeed(Config{MaxAgeBlocks: 10, MinSources: 2})
	if err := feed.Submit("a", "ATOM", big.NewInt(100), 5); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := feed.Price("ATOM", 6); err != ErrNoFreshPrice {
		t.Fatalf("single source err = %v, want ErrNoFreshPrice", err)
	}
	if err := feed.Submit("b", "ATOM", big.NewInt(102), 5); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if _, err := feed.Price("ATOM", 6); err != nil {
		t.Fatalf("two sources: %v", err)
	}
}

func TestFeedRejectsDeviatingSubmission(t *testing.T) {
	feed, _ := newTestFeed(Config{MaxAgeBlocks: 10, MaxDeviationBps: 500})
	if err := feed.Submit("a", "ATOM", big.NewInt(100), 5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := feed.Submit("b", "ATOM", big.NewInt(106), 5); err != ErrDeviation {
		t.Fatalf("deviating submit err = %v, want ErrDeviation", err)
	}
	if err := feed.Submit("b", "ATOM", big.NewInt(105), 5); err != nil {
		t.Fatalf("within tolerance: %v", err)
	}
}

func TestFeedRejectsNonPositivePrice(t *testing.T) {
	feed, _ := newTestFeed(Config{})
	if err := feed.Submit("a", "ATOM", big.NewInt(0), 1); err != ErrInvalidPrice {
		t.Fatalf("zero price err = %v, want ErrInvalidPrice", err)
	}
	if err := feed.Submit("a", "ATOM", nil, 1); err != ErrInvalidPrice {
		t.Fatalf("nil price err = %v, want ErrInvalidPrice", err)
	}
}
