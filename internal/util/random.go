package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	defer WipeBytes(b)
	return hex.EncodeToString(b), nil
}

// RandomPositiveInt returns a uniformly random integer in [1, 2^bits).
func RandomPositiveInt(bits uint) (*big.Int, error) {
	if bits == 0 {
		return nil, fmt.Errorf("random int: zero bit length")
	}
	limit := new(big.Int).Lsh(big.NewInt(1), bits)
	limit.Sub(limit, big.NewInt(1))
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating random number: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}
