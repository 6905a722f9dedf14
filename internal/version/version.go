// Package version carries the product version and the compatibility rule
// peers apply to each other's banners.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Product is the banner product name.
const Product = "RemoteREPL"

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=1.2.0 -X ...version.Commit=abc123"
var (
	VERSION = "1.2.0"
	Commit  = "dev"
)

// Compatible reports whether two peers may talk. The rule is the
// pessimistic "~>" constraint: a version v satisfies "~> r" when v >= r and
// v is below r with its last segment dropped and the new last segment
// incremented ("~> 1.2.3" allows 1.2.x, "~> 1.2" allows 1.x). Peers are
// compatible if either side satisfies the other's constraint.
func Compatible(local, remote string) bool {
	l, err := parse(local)
	if err != nil {
		return false
	}
	r, err := parse(remote)
	if err != nil {
		return false
	}
	return satisfies(l, r) || satisfies(r, l)
}

func satisfies(v, req []int) bool {
	return compare(v, req) >= 0 && compare(v, upperBound(req)) < 0
}

func upperBound(req []int) []int {
	if len(req) == 1 {
		return []int{req[0] + 1}
	}
	out := append([]int(nil), req[:len(req)-1]...)
	out[len(out)-1]++
	return out
}

func compare(a, b []int) int {
	for i := 0; i < max(len(a), len(b)); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func parse(s string) ([]int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	// Pre-release suffixes ("1.2.0-rc1") compare by their numeric core.
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad version segment %q in %q", p, s)
		}
		out[i] = n
	}
	return out, nil
}
