/*
Package rand defines methods of obtaining random number generators requiring or not requiring
cryptographically secure sources.

There are two modes, one for deterministic and another non-deterministic randomness:
- If deterministic pseudo-random generator is enough, use NewDeterministicGenerator.
- For cryptographically secure non-deterministic mode, use NewGenerator.

Generators' methods are thread-safe.
*/
package rand

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"
)

type source struct{}

var lock sync.RWMutex

// Seed does nothing when crypto/rand is used as a source.
func (_ *source) Seed(_ int64) {}

// Int63 returns uniformly-distributed random (as in CSPRNG) int64 value within [0, 1<<63) range.
// Panics if random generator reader cannot return data.
func (s *source) Int63() int64 {
	return int64(s.Uint64() & ^uint64(1<<63))
}

// Uint64 returns uniformly-distributed random (as in CSPRNG) uint64 value within [0, 1<<64) range.
// Panics if random generator reader cannot return data.
func (_ *source) Uint64() (val uint64) {
	lock.RLock()
	defer lock.RUnlock()
	if err := binary.Read(rand.Reader, binary.BigEndian, &val); err != nil {
		panic(err)
	}
	return
}

// NewGenerator returns a new generator that uses random values from crypto/rand as a source
// (cryptographically secure random number generator).
// Panics if crypto/rand input cannot be read.
// Use it for everything where crypto secure non-deterministic randomness is required. Performance
// takes a hit, so use sparingly.
func NewGenerator() *mrand.Rand {
	return mrand.New(&source{}) // #nosec G404 -- excluded
}

// NewDeterministicGenerator returns a random generator which is only seeded with time,
// and therefore is not cryptographically secure.
// Use this for testing or when secure randomness is not strictly necessary.
func NewDeterministicGenerator() *mrand.Rand {
	randGen := mrand.New(mrand.NewSource(time.Now().UnixNano())) // #nosec G404 -- safe (non-crypto usage)
	return randGen
}
