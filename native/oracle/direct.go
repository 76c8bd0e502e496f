package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"cdpledger/crypto"
)

// KindDirectQuote identifies verifiers reading a trusted quote source.
const KindDirectQuote = "direct"

// Quote is a price observed by a trusted source.
type Quote struct {
	Price     *big.Rat
	Timestamp time.Time
}

// QuoteSource resolves the latest quote for an asset.
type QuoteSource interface {
	Quote(ctx context.Context, asset crypto.Address) (Quote, error)
}

// DirectQuote prices an asset from a trusted source and ignores the caller
// supplied proof entirely.
type DirectQuote struct {
	source QuoteSource
	maxAge time.Duration
	now    func() time.Time
}

// DirectOption configures a DirectQuote verifier.
type DirectOption func(*DirectQuote)

// WithDirectClock overrides the clock used for staleness checks.
func WithDirectClock(now func() time.Time) DirectOption {
	return func(d *DirectQuote) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectQuote builds a verifier over source. A zero maxAge disables the
// staleness check.
func NewDirectQuote(source QuoteSource, maxAge time.Duration, opts ...DirectOption) (*DirectQuote, error) {
	if source == nil {
		return nil, fmt.Errorf("oracle: quote source required")
	}
	d := &DirectQuote{source: source, maxAge: maxAge, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

func (d *DirectQuote) Kind() string { return KindDirectQuote }

func (d *DirectQuote) Price(ctx context.Context, asset crypto.Address, _ Proof) (*big.Rat, error) {
	quote, err := d.source.Quote(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleOrInvalidProof, err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid quote price", ErrStaleOrInvalidProof)
	}
	now := d.now()
	if quote.Timestamp.After(now.Add(5 * time.Second)) {
		return nil, fmt.Errorf("%w: quote from the future", ErrStaleOrInvalidProof)
	}
	if d.maxAge > 0 && quote.Timestamp.Before(now.Add(-d.maxAge)) {
		return nil, fmt.Errorf("%w: quote expired", ErrStaleOrInvalidProof)
	}
	return new(big.Rat).Set(quote.Price), nil
}

// StaticSource serves operator-maintained quotes.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[crypto.Address]Quote
	now    func() time.Time
}

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[crypto.Address]Quote), now: time.Now}
}

// Set records price for asset, stamped with the current time.
func (s *StaticSource) Set(asset crypto.Address, price *big.Rat) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: quote price must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset] = Quote{Price: new(big.Rat).Set(price), Timestamp: s.now()}
	return nil
}

func (s *StaticSource) Quote(_ context.Context, asset crypto.Address) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote, ok := s.quotes[asset]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", asset)
	}
	return Quote{Price: new(big.Rat).Set(quote.Price), Timestamp: quote.Timestamp}, nil
}
