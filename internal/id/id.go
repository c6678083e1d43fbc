// Package id generates identifiers for ledger records and engine entities.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// Txn returns a ULID for a ledger transaction stamped at t. IDs generated
// within the same millisecond stay lexicographically increasing, so sorting
// by ID matches write order.
func Txn(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Only fails if the monotonic entropy overflows within one ms.
		panic(err)
	}
	return u.String()
}

// Entity returns a random UUID for positions, orders and investments.
func Entity() string {
	return uuid.New().String()
}
