package storage

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL engine behind a Store. It is chosen once at
// Open and never re-selected.
type Dialect int

const (
	DialectPostgres Dialect = iota + 1
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// valuesClause renders "(p1,...,pc),(...)" for rows x cols parameters.
func (d Dialect) valuesClause(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteString(d.placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// inClause renders "p1,...,pn" starting at parameter start.
func (d Dialect) inClause(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.placeholder(start + i)
	}
	return strings.Join(parts, ",")
}
