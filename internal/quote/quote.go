// internal/quote/quote.go
package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrQuoteUnavailable is returned when the router cannot price a path:
// the endpoint failed, the path has no liquidity, or the amount is zero.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quoter prices amountIn along path and returns the amounts at every hop.
// The last element is the output in the final token's smallest unit.
// Implementations do not retry.
type Quoter interface {
	Quote(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// QuoterFunc adapts a function to Quoter.
type QuoterFunc func(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)

// Quote calls f.
func (f QuoterFunc) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	return f(ctx, amountIn, path)
}

// Output returns the final amount of a successful quote.
func Output(amounts []*big.Int) (*big.Int, error) {
	if len(amounts) == 0 || amounts[len(amounts)-1] == nil {
		return nil, fmt.Errorf("%w: empty amounts", ErrQuoteUnavailable)
	}
	return amounts[len(amounts)-1], nil
}

func validate(amountIn *big.Int, path []common.Address) error {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrQuoteUnavailable)
	}
	if len(path) < 2 {
		return fmt.Errorf("%w: path needs at least two addresses, got %d", ErrQuoteUnavailable, len(path))
	}
	for i, addr := range path {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: path[%d] is the zero address", ErrQuoteUnavailable, i)
		}
	}
	return nil
}
