package accounts

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"strconv"
	"time"
)

const (
	// maxIDAttempts bounds the generate-check loop in RegisterUser
	maxIDAttempts = 100
	// wideRangeAttempt is the first attempt drawn from the 10-digit range
	wideRangeAttempt = 50
)

// generateAccountID derives a candidate account number from the username,
// the current time, a random value and the attempt counter.
// Attempts below wideRangeAttempt yield 9 digits, later ones 10 digits.
func generateAccountID(username string, attempt int) string {
	seed := username +
		strconv.FormatInt(time.Now().UnixMicro(), 10) +
		strconv.FormatUint(rand.Uint64(), 10) +
		strconv.Itoa(attempt)
	sum := sha256.Sum256([]byte(seed))
	n := binary.BigEndian.Uint64(sum[:8])

	if attempt < wideRangeAttempt {
		return strconv.FormatUint(n%900000000+100000000, 10)
	}
	return strconv.FormatUint(n%9000000000+1000000000, 10)
}
