package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the few places where sqlite and postgres disagree.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name string

	// Numbered switches ? placeholders to $1, $2, ...
	Numbered bool

	// UnixMillis stores timestamps as INTEGER milliseconds instead of a
	// native timestamp type, so range comparisons stay numeric.
	UnixMillis bool

	// IsUniqueViolation recognises the driver's unique constraint error.
	IsUniqueViolation func(error) bool
}

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) time(t time.Time) any {
	if d.UnixMillis {
		return t.UTC().UnixMilli()
	}
	return t.UTC()
}

func (d Dialect) nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.time(*t)
}

func (d Dialect) uniqueViolation(err error) bool {
	return err != nil && d.IsUniqueViolation != nil && d.IsUniqueViolation(err)
}

// dbTime scans either representation back into UTC.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
	case int64:
		t.Time, t.Valid = time.UnixMilli(v).UTC(), true
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into timestamp", src)
	}
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
