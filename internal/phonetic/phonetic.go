// Package phonetic computes the double-metaphone-style codes the name
// search strategy keys on: a 4-byte primary code, space-padded, plus an
// optional 4-byte alternate code for words with more than one plausible
// pronunciation (e.g. a silent leading letter).
//
// This is a compact encoder rather than a full double-metaphone port: it
// implements the algorithm's well-known rules (silent leading consonant
// clusters, vowel collapsing, common digraphs) far enough to give
// SearchByPhonetic a real primary/alternate code pair to match against.
package phonetic

import "strings"

const codeLen = 4

// Encode returns the primary code for value and, when the word has a
// plausible second pronunciation, an alternate code and true.
func Encode(value string) (primary string, alt string, hasAlt bool) {
	s := normalize(value)
	if s == "" {
		return pad(""), "", false
	}

	p := encodeVariant(s, false)
	a := encodeVariant(s, true)
	if a != "" && a != p {
		return pad(p), pad(a), true
	}
	return pad(p), "", false
}

func normalize(value string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(value) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// encodeVariant runs the silent-leading-cluster rule only when alt is true,
// giving the "as written" code and the "silent letter dropped" code.
func encodeVariant(s string, alt bool) string {
	if alt {
		s = dropSilentLeading(s)
	}
	if s == "" {
		return ""
	}

	var out strings.Builder
	prev := byte(0)
	for i := 0; i < len(s) && out.Len() < codeLen; i++ {
		c := s[i]
		code := consonantCode(c, prevByteOr(s, i-1), nextByteOr(s, i+1))
		if code == 0 {
			continue
		}
		if code == prev {
			continue // collapse doubled consonant sounds
		}
		out.WriteByte(code)
		prev = code
	}
	return out.String()
}

// dropSilentLeading strips the well-known silent-letter leading clusters
// (KN, GN, PN, AE, WR) so the alternate code reflects the "heard" form.
func dropSilentLeading(s string) string {
	for _, cluster := range []string{"KN", "GN", "PN", "AE", "WR", "X"} {
		if strings.HasPrefix(s, cluster) {
			if cluster == "X" {
				return "S" + s[1:]
			}
			return s[1:]
		}
	}
	return s
}

func prevByteOr(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func nextByteOr(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

// consonantCode maps c to its phonetic class, folding the common digraphs
// (PH/F, CK/K, SH/X, TH/0) and dropping vowels after the first letter.
func consonantCode(c, prev, next byte) byte {
	switch c {
	case 'A', 'E', 'I', 'O', 'U':
		return 0
	case 'B', 'P':
		if c == 'P' && next == 'H' {
			return 'F'
		}
		return 'B'
	case 'C':
		if next == 'H' {
			return 'X'
		}
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'S'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'F':
		return 'F'
	case 'G':
		if next == 'H' {
			return 0
		}
		return 'K'
	case 'H':
		if isVowelByte(prev) && isVowelByte(next) {
			return 'H'
		}
		return 0
	case 'J':
		return 'J'
	case 'K':
		if prev == 'C' {
			return 0
		}
		return 'K'
	case 'L':
		return 'L'
	case 'M':
		return 'M'
	case 'N':
		return 'N'
	case 'Q':
		return 'K'
	case 'R':
		return 'R'
	case 'S':
		if next == 'H' {
			return 'X'
		}
		return 'S'
	case 'T':
		if next == 'H' {
			return '0'
		}
		return 'T'
	case 'V':
		return 'F'
	case 'W', 'Y':
		if isVowelByte(next) {
			return c
		}
		return 0
	case 'X':
		return 'K'
	case 'Z':
		return 'S'
	default:
		return 0
	}
}

func isVowelByte(c byte) bool {
	switch c {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	default:
		return false
	}
}

func pad(code string) string {
	if len(code) >= codeLen {
		return code[:codeLen]
	}
	return code + strings.Repeat(" ", codeLen-len(code))
}
