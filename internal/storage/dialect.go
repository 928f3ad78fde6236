package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported drivers.
type Dialect struct {
	Name string

	// InsertTurn writes (chat_id, seq, role, content). It fails with a
	// duplicate-key error when the sequence is already taken.
	InsertTurn string

	numbered bool
}

const insertTurn = `INSERT INTO history (chat_id, seq, role, content) VALUES (?, ?, ?, ?)`

// DialectFor returns the dialect for a driver name accepted by Open.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return Dialect{
			Name:       "sqlite",
			InsertTurn: insertTurn,
		}, nil
	case "mysql":
		return Dialect{
			Name:       "mysql",
			InsertTurn: insertTurn,
		}, nil
	case "postgres":
		return Dialect{
			Name:       "postgres",
			InsertTurn: insertTurn,
			numbered:   true,
		}, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver: %s", driver)
	}
}

// Rebind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
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
