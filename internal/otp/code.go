package otp

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Generator returns a numeric code of the given length.
type Generator func(length int) (string, error)

// RandomDigits draws a uniform code in [0, 10^length) and zero-pads it.
func RandomDigits(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	digits := n.String()
	return strings.Repeat("0", length-len(digits)) + digits, nil
}
