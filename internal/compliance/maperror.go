package compliance

import "github.com/btcperp/core/internal/exchange"

// MappedError is the ECL's post-call error classification (§4.1
// map_error contract).
type MappedError struct {
	ErrorCode    int
	Category     string
	Severity     Severity
	Message      string
	SuggestedFix string
	Raw          string
}

// MapError extracts a numeric venue error code from err (§6) and maps it
// through the fixed error table (§4.1).
func MapError(err error) MappedError {
	code := exchange.ExtractErrorCode(err)
	m := LookupErrorCode(code)
	raw := ""
	if err != nil {
		raw = err.Error()
	}
	return MappedError{
		ErrorCode:    code,
		Category:     m.Category,
		Severity:     m.Severity,
		Message:      m.Message,
		SuggestedFix: m.SuggestedFix,
		Raw:          raw,
	}
}
