package util

// IsACGT reports whether s consists only of the bases A, C, G and T.
func IsACGT(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return true
}

// HasHomopolymer reports whether s contains a run of at least n identical
// A, C, G or T bases. n <= 0 disables the check.
func HasHomopolymer(s string, n int) bool {
	if n <= 0 || len(s) < n {
		return false
	}
	run := 0
	for i := 0; i < len(s); i++ {
		if i > 0 && s[i] == s[i-1] {
			run++
		} else {
			run = 1
		}
		if run >= n {
			switch s[i] {
			case 'A', 'C', 'G', 'T':
				return true
			}
		}
	}
	return false
}

// ContainsN reports whether s contains an ambiguous 'N' base.
func ContainsN(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 'N' {
			return true
		}
	}
	return false
}

// AllN reports whether s is nonempty and every base is 'N'.
func AllN(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != 'N' {
			return false
		}
	}
	return true
}
