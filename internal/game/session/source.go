package session

import (
	"crypto/rand"
	"math/big"
)

// Source produces uniformly distributed integers for variant selection.
type Source interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return cryptoSource{}
}

// Intn returns a uniformly random int in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or crypto/rand fails.
func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("session: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("session: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// FixedSource always returns the same value, clamped into [0, n).
type FixedSource int

// Intn returns int(f) mod n.
func (f FixedSource) Intn(n int) int {
	v := int(f) % n
	if v < 0 {
		v += n
	}
	return v
}
