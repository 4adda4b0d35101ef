package mc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/japanoise/numparse"
)

// ImmediateStyle selects how immediate operands are rendered in assembly
// text produced by the codecs. It never affects encoded bytes.
type ImmediateStyle int

const (
	// Decimal prints immediates in base 10. This is the default.
	Decimal ImmediateStyle = iota
	// HexPrefix prints immediates as 0x-prefixed hexadecimal.
	HexPrefix
	// HexSuffix prints immediates as h-suffixed hexadecimal, with a
	// leading zero when the first digit is a letter (0ah, not ah).
	HexSuffix
)

func (s ImmediateStyle) String() string {
	switch s {
	case Decimal:
		return "decimal"
	case HexPrefix:
		return "hex-prefix"
	case HexSuffix:
		return "hex-suffix"
	default:
		return fmt.Sprintf("ImmediateStyle(%d)", int(s))
	}
}

// FormatImm renders a signed immediate in the style. Negative values keep a
// leading minus sign in all styles.
func (s ImmediateStyle) FormatImm(v int64) string {
	if v < 0 {
		return "-" + s.FormatUint(uint64(-v))
	}
	return s.FormatUint(uint64(v))
}

// FormatUint renders an unsigned immediate or address in the style.
func (s ImmediateStyle) FormatUint(v uint64) string {
	switch s {
	case HexPrefix:
		return "0x" + strconv.FormatUint(v, 16)
	case HexSuffix:
		hex := strconv.FormatUint(v, 16)
		if hex[0] > '9' {
			hex = "0" + hex
		}
		return hex + "h"
	default:
		return strconv.FormatUint(v, 10)
	}
}

// ParseImm parses a numeric operand token. It accepts decimal, 0x/0b/0o
// prefixed, leading-zero octal, h-suffixed hexadecimal, and character
// constants, with an optional leading minus.
func ParseImm(tok string) (int64, error) {
	neg := false
	body := tok
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	if body == "" {
		return 0, fmt.Errorf("malformed number %q", tok)
	}
	if v, ok := parseHexSuffix(body); ok {
		if neg {
			return -int64(v), nil
		}
		return int64(v), nil
	}
	v, err := numparse.UNumParse(body)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", tok)
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// ParseAddr parses an unsigned address or label value token.
func ParseAddr(tok string) (uint64, error) {
	if v, ok := parseHexSuffix(tok); ok {
		return v, nil
	}
	v, err := numparse.UNumParse(tok)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", tok)
	}
	return v, nil
}

func parseHexSuffix(tok string) (uint64, bool) {
	if len(tok) < 2 || (tok[len(tok)-1] != 'h' && tok[len(tok)-1] != 'H') {
		return 0, false
	}
	body := tok[:len(tok)-1]
	if body[0] < '0' || body[0] > '9' {
		return 0, false
	}
	v, err := strconv.ParseUint(body, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
