// Package orderkey generates dense, lexicographically ordered sibling keys.
//
// Keys are fraction strings over the printable ASCII alphabet '0'..'z'.
// Between any two keys a < b another key can always be generated, so
// reordering never requires rewriting sibling keys.
package orderkey

import (
	"errors"
	"fmt"
)

const (
	minDigit = byte('0')
	maxDigit = byte('z')
	base     = int(maxDigit-minDigit) + 1 // 75
)

// ErrInvalidOrder is returned when left >= right or the bounds leave no room
// for a new key. Both indicate a caller bug.
var ErrInvalidOrder = errors.New("orderkey: invalid key order")

func digit(c byte) int {
	return int(c - minDigit)
}

func char(d int) byte {
	return minDigit + byte(d)
}

// Validate reports whether key only uses the order key alphabet
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidOrder)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < minDigit || key[i] > maxDigit {
			return fmt.Errorf("%w: byte %q outside alphabet", ErrInvalidOrder, key[i])
		}
	}
	return nil
}

// First returns the key to use when a folder has no children yet
func First() string {
	k, _ := KeyBetween("", "")
	return k
}

// KeyBetween returns a key strictly between left and right. An empty left
// means negative infinity, an empty right positive infinity. Generated keys
// never end in the minimum digit, which guarantees further keys can always
// be produced between previously generated neighbors.
func KeyBetween(left, right string) (string, error) {
	if left != "" {
		if err := Validate(left); err != nil {
			return "", err
		}
	}
	if right != "" {
		if err := Validate(right); err != nil {
			return "", err
		}
	}
	if left != "" && right != "" && left >= right {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidOrder, left, right)
	}
	return midpoint(left, right)
}

// midpoint computes a string strictly between a and b, where empty a is the
// lower bound and empty b the upper bound of the key space.
func midpoint(a, b string) (string, error) {
	if b != "" {
		// Strip the longest common prefix and recurse on the tails.
		n := 0
		for n < len(a) && n < len(b) && a[n] == b[n] {
			n++
		}
		if n > 0 {
			tail, err := midpoint(a[n:], b[n:])
			if err != nil {
				return "", err
			}
			return b[:n] + tail, nil
		}
	}

	da := 0 // digit of minDigit when a is exhausted
	if a != "" {
		da = digit(a[0])
	}
	db := base
	if b != "" {
		db = digit(b[0])
	}

	if db-da > 1 {
		return string(char((da + db) / 2)), nil
	}

	// Consecutive leading digits: no room at this position.
	if db <= da {
		// Only reachable when b continues with minimum digits below a,
		// e.g. between "U" and "U0". No key fits.
		return "", fmt.Errorf("%w: no key between bounds", ErrInvalidOrder)
	}
	if len(b) > 1 {
		// b[0] alone sorts above a (smaller first digit) and below b.
		return b[:1], nil
	}
	// Descend along a's branch with an open upper bound.
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	tail, err := midpoint(rest, "")
	if err != nil {
		return "", err
	}
	return string(char(da)) + tail, nil
}
