package smali

import (
	"math"
	"strconv"
	"strings"
)

// ParseIntLiteral parses decimal and hex literals with an optional sign and
// the t (byte), s (short) or L (long) suffix.
func ParseIntLiteral(s string) (int64, error) {
	lit := strings.TrimRight(s, "tsL")
	neg := strings.HasPrefix(lit, "-")
	lit = strings.TrimPrefix(strings.TrimPrefix(lit, "-"), "+")
	var (
		u   uint64
		err error
	)
	if strings.HasPrefix(lit, "0x") || strings.HasPrefix(lit, "0X") {
		u, err = strconv.ParseUint(lit[2:], 16, 64)
	} else {
		u, err = strconv.ParseUint(lit, 10, 64)
	}
	if err != nil {
		return 0, syntaxError(s, "not an integer literal")
	}
	if neg {
		return -int64(u), nil
	}
	return int64(u), nil
}

// ParseFloatLiteral parses f/d suffixed literals, including the named
// values baksmali emits.
func ParseFloatLiteral(s string) (float64, error) {
	lit := strings.TrimRight(s, "fFdD")
	switch strings.TrimPrefix(lit, "-") {
	case "Infinity":
		if strings.HasPrefix(lit, "-") {
			return math.Inf(-1), nil
		}
		return math.Inf(1), nil
	case "NaN":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, syntaxError(s, "not a float literal")
	}
	return v, nil
}

// Unquote decodes a quoted string or character literal.
func Unquote(s string) (string, error) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		r, _, _, err := strconv.UnquoteChar(s[1:len(s)-1], '\'')
		if err != nil {
			return "", syntaxError(s, "bad character literal")
		}
		return string(r), nil
	}
	v, err := strconv.Unquote(s)
	if err != nil {
		return "", syntaxError(s, "bad string literal")
	}
	return v, nil
}

// LiteralValue normalises a literal operand: strings are unquoted, integers
// are rendered in decimal, anything else is returned unchanged.
func LiteralValue(raw string) (string, error) {
	switch {
	case raw == "":
		return "", syntaxError(raw, "empty literal")
	case raw[0] == '"' || raw[0] == '\'':
		return Unquote(raw)
	case raw == "true" || raw == "false" || raw == "null":
		return raw, nil
	case strings.ContainsAny(raw, ".fFdD") && !strings.Contains(raw, "0x"),
		strings.Contains(raw, "Infinity"), strings.Contains(raw, "NaN"):
		v, err := ParseFloatLiteral(raw)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	}
	v, err := ParseIntLiteral(raw)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

// IsZero reports whether raw is the integer literal zero.
func IsZero(raw string) bool {
	v, err := ParseIntLiteral(raw)
	return err == nil && v == 0
}
