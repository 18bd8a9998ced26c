// Package ids mints identifiers for stored rows and bearer tokens for
// download links.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TokenBytes is the amount of randomness behind every download token.
const TokenBytes = 32

// Generator produces ULIDs that sort by creation time, including ids minted
// within the same millisecond.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
}

// NewGenerator returns a Generator reading the clock from now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	src := mathrand.New(mathrand.NewSource(now().UnixNano()))
	return &Generator{now: now, entropy: ulid.Monotonic(src, 0)}
}

// New returns the next id.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(nil)

// New returns an id from the process-wide generator. Purchases listed newest
// first rely on later ids sorting after earlier ones.
func New() string { return defaultGenerator.New() }

// NewToken returns a hex-encoded download token backed by TokenBytes bytes
// from crypto/rand.
func NewToken() (string, error) {
	var b [TokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
