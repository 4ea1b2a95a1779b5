// Package secret implements preimage generation and hashlock verification.
// One hash function (SHA-256) is used for the preimage/hashlock relation on
// both chain sides; a mismatch between sides would break the swap silently,
// so all hashlock computation in the codebase must route through here.
// Keccak-256 is used separately for content-addressing escrow parameters.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// Size is the preimage length in bytes.
const Size = 32

// Generate produces a fresh random preimage and its hashlock.
func Generate() ([Size]byte, common.Hash, error) {
	var preimage [Size]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return preimage, common.Hash{}, fmt.Errorf("failed to generate preimage: %w", err)
	}
	return preimage, Lock(preimage[:]), nil
}

// Lock computes the hashlock for a preimage.
func Lock(preimage []byte) common.Hash {
	return sha256.Sum256(preimage)
}

// Verify reports whether SHA-256(preimage) equals the hashlock.
// The comparison is constant-time.
func Verify(preimage []byte, hashlock common.Hash) bool {
	if len(preimage) != Size {
		return false
	}
	sum := Lock(preimage)
	return helpers.ConstantTimeCompare(sum[:], hashlock[:])
}

// SumKeccak256 hashes arbitrary data with Keccak-256. Used for deriving
// content-addressed identifiers, never for hashlocks.
func SumKeccak256(data ...[]byte) common.Hash {
	return common.BytesToHash(crypto.Keccak256(data...))
}
