package election

import "strings"

// Compare orders peer ids: ids made only of decimal digits compare
// numerically and sort below every other id, which compare
// lexicographically. It returns -1, 0 or +1 like strings.Compare.
func Compare(a, b string) int {
	aNum, bNum := isDecimal(a), isDecimal(b)
	switch {
	case aNum && bNum:
		if c := compareDecimal(a, b); c != 0 {
			return c
		}
		// numerically equal ("7" and "007"); keep the order total
		return strings.Compare(a, b)
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Highest returns the greatest id under Compare, or "" for no ids.
func Highest(ids []string) string {
	best := ""
	for i, id := range ids {
		if i == 0 || Compare(id, best) > 0 {
			best = id
		}
	}
	return best
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func compareDecimal(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
