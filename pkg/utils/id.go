package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateShortID returns prefix followed by n random lowercase base36 characters.
func GenerateShortID(prefix string, n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(shortIDAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("generate short id: %v", err))
		}
		b[i] = shortIDAlphabet[idx.Int64()]
	}
	return prefix + string(b)
}

// GenerateFileID returns a fresh file identifier.
func GenerateFileID() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies one signaling broker process.
func GenerateInstanceID() string {
	return "sig-" + uuid.NewString()[:8]
}

// GenerateRequestID tags one control API request when the caller sent none.
func GenerateRequestID() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
