// Package id provides ID generation for terminals, connections and requests.
//
// Terminal IDs are prefixed ULIDs. They are lexicographically sortable by
// creation time and safe to embed in file names and host session names,
// since the Crockford base32 alphabet never contains path separators or
// shell metacharacters.
//
// Connection IDs are short-lived and only appear in logs, so they use a
// random UUID instead.
package id

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TerminalID identifies a terminal session for its whole lifetime.
type TerminalID string

// ConnectionID identifies one control-plane connection.
type ConnectionID string

// RequestID identifies an HTTP request.
type RequestID string

const (
	TerminalPrefix   = "term"
	ConnectionPrefix = "conn"
	RequestPrefix    = "req"
)

// Generator produces strictly increasing ULIDs, including several within
// one millisecond, so IDs from one process sort in creation order. List
// ordering falls back to terminal IDs when creation times tie.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(entropy, 0),
		now:     time.Now,
	}
}

// Generate returns the next ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// WithPrefix returns the next ULID as "<prefix>_<ulid>".
func (g *Generator) WithPrefix(prefix string) string {
	return prefix + "_" + g.Generate().String()
}

// NewTerminalID generates a new terminal ID.
func NewTerminalID() TerminalID {
	return TerminalID(Default().WithPrefix(TerminalPrefix))
}

// NewConnectionID generates a new connection ID.
func NewConnectionID() ConnectionID {
	return ConnectionID(ConnectionPrefix + "_" + uuid.NewString())
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().WithPrefix(RequestPrefix))
}

func (id TerminalID) String() string   { return string(id) }
func (id ConnectionID) String() string { return string(id) }
func (id RequestID) String() string    { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// IsTerminalID reports whether s has the shape of a generated terminal ID.
// Host adapters rely on this before using an ID in a socket path.
func IsTerminalID(s string) bool {
	prefix, rest, ok := strings.Cut(s, "_")
	return ok && prefix == TerminalPrefix && IsValid(rest)
}

// Timestamp extracts the creation time from a plain or prefixed ULID.
func Timestamp(s string) (time.Time, error) {
	if _, rest, ok := strings.Cut(s, "_"); ok {
		s = rest
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
