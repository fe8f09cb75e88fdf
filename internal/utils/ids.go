package utils

import (
	"crypto/rand"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a ULID that sorts after every ID generated before it by this process
func NewID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// NewTableID generates a random identifier usable inside an SQL identifier
func NewTableID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Round2 rounds to two decimal places
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
