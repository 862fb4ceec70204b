package analysis

import (
	"strconv"
	"strings"

	"github.com/coolbeans/csscoverage/pkg/browser"
)

// Summary describes how much of the user base the entered shares account for.
type Summary struct {
	Total float64 `json:"total"`

	// OverLimit is set when the shares add up to more than 100 percent.
	// It is advisory only and never blocks computation.
	OverLimit bool `json:"over_limit"`
}

// Summarize totals the shares of all catalog browsers.
func Summarize(shares browser.Shares) Summary {
	total := Round1(shares.Sum())
	return Summary{Total: total, OverLimit: total > 100}
}

// InputStatus classifies a raw share entered by the user.
type InputStatus int

const (
	// InputEmpty means no digits were entered; the share counts as zero.
	InputEmpty InputStatus = iota

	// InputValid is a plain non-negative decimal number.
	InputValid

	// InputInvalid contains characters other than digits and a decimal
	// point. The numeric prefix, if any, is still used.
	InputInvalid
)

func (s InputStatus) String() string {
	switch s {
	case InputEmpty:
		return "empty"
	case InputValid:
		return "valid"
	case InputInvalid:
		return "invalid"
	default:
		return "InputStatus(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseShareInput parses a share typed by a user. Values like "12.5%" are
// flagged invalid but still yield 12.5, mirroring a lenient number parse.
func ParseShareInput(raw string) (float64, InputStatus) {
	raw = strings.TrimSpace(raw)
	if !strings.ContainsAny(raw, "0123456789") {
		if raw == "" {
			return 0, InputEmpty
		}
		return 0, InputInvalid
	}

	status := InputValid
	if strings.Trim(raw, "0123456789.") != "" {
		status = InputInvalid
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		value = leadingNumber(raw)
		status = InputInvalid
	}
	if value < 0 {
		return 0, InputInvalid
	}
	return value, status
}

// leadingNumber parses the longest numeric prefix of s, or returns 0.
func leadingNumber(s string) float64 {
	end := 0
	seenDot := false
	for end < len(s) {
		c := s[end]
		if c == '.' && !seenDot {
			seenDot = true
		} else if c < '0' || c > '9' {
			break
		}
		end++
	}
	value, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return value
}
