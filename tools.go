package supplysim

import (
	crand "crypto/rand"
	"fmt"
	"math/big"
)

// PickRandomAmount returns a uniformly random amount in [a, b].
func PickRandomAmount(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		panic("amount bounds must not be nil")
	}
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	if a.Sign() < 0 {
		panic("amounts must be non-negative")
	}
	if a.Cmp(b) == 0 {
		return new(big.Int).Set(a)
	}

	span := new(big.Int).Sub(b, a)
	span.Add(span, big.NewInt(1))

	n, err := crand.Int(crand.Reader, span)
	if err != nil {
		panic(fmt.Sprintf("failed to draw random amount: %v", err))
	}

	return n.Add(n, a)
}
