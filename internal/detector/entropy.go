package detector

import "math"

// ShannonEntropy computes the entropy of s in bits per character over its
// character frequency distribution: H = -sum(p(c) * log2(p(c))).
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}

	n := float64(len(s))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// token is a maximal run of secret-alphabet characters within one line.
type token struct {
	text string
	// start is the 0-based byte offset of the token within the line.
	start int
}

// isSecretAlphabet reports whether b belongs to the base64/base64url/hex
// alphabet family the entropy pass considers.
func isSecretAlphabet(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '+', b == '/', b == '=', b == '_', b == '-':
		return true
	}
	return false
}

// extractTokens returns the maximal secret-alphabet tokens in line with
// length >= minLength.
func extractTokens(line string, minLength int) []token {
	var tokens []token

	start := -1
	for i := 0; i <= len(line); i++ {
		inAlphabet := i < len(line) && isSecretAlphabet(line[i])
		switch {
		case inAlphabet && start < 0:
			start = i
		case !inAlphabet && start >= 0:
			if i-start >= minLength {
				tokens = append(tokens, token{text: line[start:i], start: start})
			}
			start = -1
		}
	}

	return tokens
}
