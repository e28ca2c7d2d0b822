// Package idx mints ULID identifiers for accounts, sessions and requests.
package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a canonical 26 character ULID string.
type ID string

// Zero is the empty ID.
const Zero ID = ""

var ErrInvalid = errors.New("idx: invalid ulid")

var (
	initOnce sync.Once
	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
)

func source() *ulid.MonotonicEntropy {
	initOnce.Do(func() {
		entropy = ulid.Monotonic(rand.Reader, 0)
	})
	return entropy
}

// New returns an ID stamped with the current UTC time. IDs minted within
// the same millisecond still sort in creation order.
func New() ID {
	return NewAt(time.Now().UTC())
}

// NewAt returns an ID stamped with t.
func NewAt(t time.Time) ID {
	src := source()

	mu.Lock()
	defer mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(t), src)
	if err != nil {
		return Zero
	}
	return ID(u.String())
}

// MustNew is New but panics when the entropy source fails.
func MustNew() ID {
	id := New()
	if id.IsZero() {
		panic("idx: failed to generate ulid")
	}
	return id
}

// Parse validates s as a strict ULID.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return Zero, ErrInvalid
	}
	return ID(s), nil
}

func (id ID) IsZero() bool { return id == Zero }

func (id ID) String() string { return string(id) }

// Time returns the embedded timestamp, or the zero time for invalid IDs.
func (id ID) Time() time.Time {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time()).UTC()
}

// Compare orders IDs lexically, which for ULIDs is creation order.
func Compare(a, b ID) int {
	return strings.Compare(string(a), string(b))
}
