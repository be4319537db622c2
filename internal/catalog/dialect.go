package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the differences between the supported drivers
type dialect struct {
	driverName string
	numbered   bool // $1, $2 ... instead of ?
	singleConn bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return dialect{driverName: "pgx", numbered: true}, nil
	case "sqlite":
		return dialect{driverName: "sqlite", singleConn: true}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

// rebind rewrites ? placeholders for drivers that number them.
// Queries in this package never contain a literal '?'.
func (d dialect) rebind(query string) string {
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
