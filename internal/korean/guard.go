// Package korean implements the operator-facing output-language guard
// (§6): a pre-send phrase/word substitution table plus a residual
// English-ratio sanity check, mirroring report_formatter.py's
// sanitize_telegram_text / detect_english_ratio.
package korean

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// allowedAbbreviations never count against the English ratio: coin
// tickers, action verbs, indicator names, and provider/model tokens.
var allowedAbbreviations = map[string]bool{
	"BTC": true, "ETH": true, "USDT": true, "USD": true, "KRW": true,
	"SOL": true, "XRP": true, "DOGE": true,
	"LONG": true, "SHORT": true, "HOLD": true, "ADD": true, "REDUCE": true,
	"CLOSE": true, "REVERSE": true, "OPEN": true,
	"RSI": true, "ATR": true, "BB": true, "MA": true, "EMA": true, "SMA": true,
	"MACD": true, "VWAP": true, "OBV": true, "POC": true, "VAH": true, "VAL": true,
	"UTC": true, "KST": true,
	"SCORE": true, "STAGE": true, "DEFAULT": true, "EVENT": true,
	"ON": true, "OFF": true, "OK": true, "API": true, "AI": true,
}

// phraseTable substitutes multi-word phrases first, by safe substring
// replacement.
var phraseTable = []struct{ en, kr string }{
	{"Stop-Loss", "손절"},
	{"stop loss", "손절"},
	{"Stop Loss", "손절"},
	{"Take Profit", "익절"},
	{"take profit", "익절"},
	{"Risk Level", "위험도"},
	{"risk level", "위험도"},
	{"No position", "포지션 없음"},
	{"no position", "포지션 없음"},
}

// wordTable substitutes single words, applied with a word-boundary regex
// so "Entry" inside a longer identifier is left alone.
var wordTable = map[string]string{
	"Entry": "진입", "entry": "진입",
	"Position": "포지션", "position": "포지션",
	"Confidence": "확신도", "confidence": "확신도",
	"Reason": "근거", "reason": "근거",
	"Action": "조치", "action": "조치",
	"Signal": "신호", "signal": "신호",
	"Warning": "경고", "warning": "경고",
	"Error": "오류", "error": "오류",
	"Failed": "실패", "failed": "실패",
	"Success": "성공", "success": "성공",
	"Pending": "대기 중", "pending": "대기 중",
	"Completed": "완료", "completed": "완료",
}

var wordPatterns []*regexp.Regexp
var wordReplacements []string

func init() {
	keys := make([]string, 0, len(wordTable))
	for k := range wordTable {
		keys = append(keys, k)
	}
	// longest first avoids a short key partially matching inside a longer one.
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		wordPatterns = append(wordPatterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(k)+`\b`))
		wordReplacements = append(wordReplacements, wordTable[k])
	}
}

var englishWordRe = regexp.MustCompile(`[A-Za-z]{3,}`)

// EnglishRatio returns the fraction (0.0-1.0) of 3+-letter alphabetic
// words in text that fall outside the abbreviation whitelist. Fewer than
// 3 such words is treated as undeterminable and returns 0.
func EnglishRatio(text string) float64 {
	if text == "" {
		return 0
	}
	words := englishWordRe.FindAllString(text, -1)
	if len(words) < 3 {
		return 0
	}
	outside := 0
	for _, w := range words {
		if !allowedAbbreviations[strings.ToUpper(w)] {
			outside++
		}
	}
	return float64(outside) / float64(len(words))
}

// Sanitize applies the phrase-then-word substitution table and logs a
// warning (never blocks) when the residual English ratio exceeds 20%.
func Sanitize(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, p := range phraseTable {
		result = strings.ReplaceAll(result, p.en, p.kr)
	}
	for i, re := range wordPatterns {
		result = re.ReplaceAllString(result, wordReplacements[i])
	}
	if ratio := EnglishRatio(result); ratio > 0.2 {
		log.Warn().Float64("english_ratio", ratio).Msg("operator text exceeds English-ratio threshold")
	}
	return result
}
