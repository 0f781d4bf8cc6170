package compliance

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE ERROR CODE TABLE (§4.1 "Error code mapping", §6)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Grounded on original_source/app/exchange_compliance.py's fixed
// code→{category,severity,message,suggested_fix} table.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Severity classifies how urgently an operator should react.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// ErrorMapping is one row of the venue error code table.
type ErrorMapping struct {
	Category     string
	Severity     Severity
	Message      string
	SuggestedFix string
}

// ErrorCodeTable maps venue-specific integer codes to {category,
// severity, message, suggested_fix} records (§4.1).
var ErrorCodeTable = map[int]ErrorMapping{
	10001: {
		Category:     "min_qty",
		Severity:     SeverityWarning,
		Message:      "주문 수량이 최소 수량 미달입니다",
		SuggestedFix: "minQty 이상으로 수량을 조정하세요",
	},
	10003: {
		Category:     "tick_size",
		Severity:     SeverityWarning,
		Message:      "가격이 틱 사이즈에 맞지 않습니다",
		SuggestedFix: "tickSize의 배수로 가격을 정렬하세요",
	},
	10004: {
		Category:     "step_size",
		Severity:     SeverityWarning,
		Message:      "수량이 스텝 사이즈에 맞지 않습니다",
		SuggestedFix: "stepSize의 배수로 수량을 정렬하세요",
	},
	10006: {
		Category:     "rate_limit",
		Severity:     SeverityWarning,
		Message:      "요청 빈도 제한을 초과했습니다",
		SuggestedFix: "잠시 후 다시 시도하세요",
	},
	20001: {
		Category:     "generic_invalid_order",
		Severity:     SeverityWarning,
		Message:      "주문 파라미터가 유효하지 않습니다",
		SuggestedFix: "주문 파라미터를 확인하세요",
	},
	110001: {
		Category:     "insufficient_funds",
		Severity:     SeverityCritical,
		Message:      "증거금이 부족합니다",
		SuggestedFix: "포지션 크기를 줄이거나 입금하세요",
	},
	110006: {
		Category:     "position_mismatch",
		Severity:     SeverityCritical,
		Message:      "포지션이 존재하지 않습니다",
		SuggestedFix: "포지션 상태를 재조회 후 재시도하세요",
	},
	110043: {
		Category:     "reduce_only",
		Severity:     SeverityWarning,
		Message:      "reduce-only 주문이 포지션 크기를 초과했습니다",
		SuggestedFix: "포지션 수량 이하로 조정하세요",
	},
	130021: {
		Category:     "margin_mode",
		Severity:     SeverityCritical,
		Message:      "마진 모드가 일치하지 않습니다",
		SuggestedFix: "포지션 모드/마진 모드를 확인하세요",
	},
	130074: {
		Category:     "leverage_limit",
		Severity:     SeverityWarning,
		Message:      "레버리지가 허용 범위를 초과했습니다",
		SuggestedFix: "레버리지를 낮추세요",
	},
}

// AutoCorrectableCodes may be retried once after realigning qty/price.
var AutoCorrectableCodes = map[int]bool{
	10003: true,
	10004: true,
}

// ForceRefreshCodes trigger a forced market-info refresh before the next
// validation attempt (§4.1).
var ForceRefreshCodes = map[int]bool{
	10001:  true,
	10003:  true,
	10004:  true,
	130021: true,
	130074: true,
	10006:  true,
}

// LookupErrorCode looks up code in the table, defaulting to an
// unknown-code record rather than returning an error — a missing code
// must never panic the caller.
func LookupErrorCode(code int) ErrorMapping {
	if m, ok := ErrorCodeTable[code]; ok {
		return m
	}
	return ErrorMapping{
		Category:     "unknown",
		Severity:     SeverityWarning,
		Message:      "알 수 없는 거래소 오류입니다",
		SuggestedFix: "로그를 확인하세요",
	}
}
