// Package ids generates the short opaque identifiers used across sessiond.
package ids

import (
	"crypto/rand"
	"math/big"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	length   = 10
)

// New returns a new 10-character alphanumeric identifier.
// All entity ids (users, agents, sessions, events) share this format.
func New() string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process is beyond saving
			panic(err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b)
}
