package supplysim

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RandomDigest returns the Keccak-256 digest of 32 freshly drawn random
// bytes, simulating a block hash.
func RandomDigest() common.Hash {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// this is a test utility, it either works or it panics
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}

	return crypto.Keccak256Hash(buf)
}

// GenDigests generates a slice of n fresh digests.
func GenDigests(n int) []common.Hash {
	if n < 0 {
		return nil
	}
	digests := make([]common.Hash, n)
	for i := 0; i < n; i++ {
		digests[i] = RandomDigest()
	}
	return digests
}
