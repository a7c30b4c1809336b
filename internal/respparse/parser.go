// Package respparse recovers a structured answer from arbitrary model output.
// Models are asked for JSON but frequently wrap it in prose or fences, so
// parsing runs an ordered ladder of strategies and always produces a result.
package respparse

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Citation is a page reference plus supporting snippet.
type Citation struct {
	Page       string `json:"page"`
	Snippet    string `json:"snippet"`
	Confidence string `json:"confidence,omitempty"`
}

// Strategy names which rung of the ladder produced a result.
type Strategy string

const (
	StrategyStructured Strategy = "structured_json"
	StrategyExtracted  Strategy = "extracted_json"
	StrategyFenced     Strategy = "fenced_json"
	StrategyHeuristic  Strategy = "heuristic"
	StrategyRaw        Strategy = "raw_fallback"
)

// Result is the normalized parse outcome; Answer is always non-empty for
// non-empty input and Citations is never nil.
type Result struct {
	Answer    string
	Citations []Citation
	Strategy  Strategy
}

const maxSnippetLen = 200

// Parse runs the strategy ladder over raw model output. It never fails: the
// last rung accepts the whole text as the answer.
func Parse(raw string) Result {
	trimmed := strings.TrimSpace(raw)

	strategies := []struct {
		name Strategy
		fn   func(string) (Result, bool)
	}{
		{StrategyStructured, parseWhole},
		{StrategyExtracted, parseExtracted},
		{StrategyFenced, parseFenced},
		{StrategyHeuristic, parseHeuristic},
	}
	for _, s := range strategies {
		if res, ok := s.fn(trimmed); ok {
			res.Strategy = s.name
			return validate(res, trimmed)
		}
	}
	return validate(Result{Answer: trimmed, Strategy: StrategyRaw}, trimmed)
}

// envelope mirrors the JSON shape the prompt requests. Page is kept raw so
// numeric and string pages share one decode path.
type envelope struct {
	Answer    string `json:"answer"`
	Citations []struct {
		Page       json.RawMessage `json:"page"`
		Snippet    string          `json:"snippet"`
		Confidence string          `json:"confidence"`
	} `json:"citations"`
}

func decodeEnvelope(s string) (Result, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Result{}, false
	}
	if strings.TrimSpace(env.Answer) == "" {
		return Result{}, false
	}
	res := Result{Answer: strings.TrimSpace(env.Answer)}
	for _, c := range env.Citations {
		res.Citations = append(res.Citations, Citation{
			Page:       normalizePage(c.Page),
			Snippet:    c.Snippet,
			Confidence: c.Confidence,
		})
	}
	return res, true
}

// normalizePage renders a raw JSON page value as a string so single pages and
// ranges ("2-3") share one representation.
func normalizePage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}

func parseWhole(s string) (Result, bool) {
	if s == "" || s[0] != '{' {
		return Result{}, false
	}
	return decodeEnvelope(s)
}

func parseExtracted(s string) (Result, bool) {
	sub, ok := extractBalancedObject(s, 0)
	if !ok {
		return Result{}, false
	}
	return decodeEnvelope(sub)
}

func parseFenced(s string) (Result, bool) {
	inner, ok := firstFencedBlock(s)
	if !ok {
		return Result{}, false
	}
	sub, ok := extractBalancedObject(inner, 0)
	if !ok {
		return Result{}, false
	}
	return decodeEnvelope(sub)
}

var (
	answerSpanRe = regexp.MustCompile(`(?is)["']?answer["']?\s*[:=\-]\s*["']?(.+?)(?:["']?\s*[,}\n]\s*["']?citations|$)`)
	pageRefRe    = regexp.MustCompile(`(?i)\bpages?\s+(\d+(?:\s*-\s*\d+)?)`)
)

// parseHeuristic pulls an "answer"-labeled span out of free text and
// synthesizes citations from "page N" references, de-duplicated by page.
func parseHeuristic(s string) (Result, bool) {
	m := answerSpanRe.FindStringSubmatch(s)
	if m == nil {
		return Result{}, false
	}
	answer := strings.Trim(strings.TrimSpace(m[1]), `"'`)
	if answer == "" {
		return Result{}, false
	}

	res := Result{Answer: answer}
	seen := make(map[string]struct{})
	for _, loc := range pageRefRe.FindAllStringSubmatchIndex(s, -1) {
		page := strings.ReplaceAll(s[loc[2]:loc[3]], " ", "")
		if _, ok := seen[page]; ok {
			continue
		}
		seen[page] = struct{}{}
		res.Citations = append(res.Citations, Citation{
			Page:    page,
			Snippet: surrounding(s, loc[0], loc[1]),
		})
	}
	return res, true
}

// surrounding returns the context window around a match, for use as a snippet.
func surrounding(s string, start, end int) string {
	const pad = 80
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(s) {
		hi = len(s)
	}
	return strings.TrimSpace(s[lo:hi])
}

// validate enforces the output contract regardless of which strategy won:
// non-empty answer, individually valid citations, snippets capped.
func validate(res Result, raw string) Result {
	if strings.TrimSpace(res.Answer) == "" {
		res.Answer = raw
	}
	kept := make([]Citation, 0, len(res.Citations))
	for _, c := range res.Citations {
		c.Snippet = strings.TrimSpace(c.Snippet)
		c.Page = strings.TrimSpace(c.Page)
		if c.Snippet == "" || c.Page == "" {
			continue
		}
		if r := []rune(c.Snippet); len(r) > maxSnippetLen {
			c.Snippet = string(r[:maxSnippetLen])
		}
		kept = append(kept, c)
	}
	res.Citations = kept
	return res
}
