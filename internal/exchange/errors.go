package exchange

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE ERROR CONTRACT (§6) — extracting a numeric venue error code
// from heterogeneous exception shapes.
// ═══════════════════════════════════════════════════════════════════════════════

// Typed sentinel error kinds the compliance layer's caller may wrap a raw
// transport/API error in before handing it to ExtractErrorCode. Mirrors
// the Python original's ccxt exception hierarchy (InsufficientFunds,
// InvalidOrder, RateLimitExceeded, ExchangeError).
type Kind int

const (
	KindUnknown Kind = iota
	KindInsufficientFunds
	KindInvalidOrder
	KindRateLimitExceeded
	KindExchangeError
)

// APIError is a typed exception carrying a Kind and a free-form message,
// the Go analogue of the heterogeneous ccxt exception types the original
// heuristically inspects.
type APIError struct {
	Kind Kind
	Msg  string
}

func (e *APIError) Error() string { return e.Msg }

var retCodePattern = regexp.MustCompile(`retCode["']?\s*[:=]\s*(-?\d+)`)
var bybitPattern = regexp.MustCompile(`bybit\s+(-?\d+)`)

// ExtractErrorCode best-effort extracts a numeric venue error code from
// err, trying in order: (a) a JSON-ish "retCode" field, (b) a fall-through
// "bybit <digits>" string pattern, (c) typed APIError heuristics keyed on
// keywords in the message.
func ExtractErrorCode(err error) int {
	if err == nil {
		return 0
	}
	msg := err.Error()

	if m := retCodePattern.FindStringSubmatch(msg); m != nil {
		if code, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			return code
		}
	}
	if m := bybitPattern.FindStringSubmatch(msg); m != nil {
		if code, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			return code
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return codeForTypedError(apiErr)
	}

	return 0
}

func codeForTypedError(e *APIError) int {
	lower := strings.ToLower(e.Msg)
	switch e.Kind {
	case KindInsufficientFunds:
		return 110001
	case KindInvalidOrder:
		switch {
		case strings.Contains(lower, "reduceonly") || strings.Contains(lower, "reduce-only") || strings.Contains(lower, "reduce only"):
			return 110043
		case strings.Contains(lower, "qty"):
			return 10001
		case strings.Contains(lower, "price"):
			return 10003
		default:
			return 20001
		}
	case KindRateLimitExceeded:
		return 10006
	case KindExchangeError:
		switch {
		case strings.Contains(lower, "leverage"):
			return 130074
		case strings.Contains(lower, "margin") || strings.Contains(lower, "mode"):
			return 130021
		case strings.Contains(lower, "position not"):
			return 110006
		}
	}
	return 0
}
