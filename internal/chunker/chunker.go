// Package chunker splits raw extracted document text into bounded, overlapping
// passages with best-effort page labels.
package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EstimationMethod records how a chunk's page label was derived.
type EstimationMethod string

const (
	PatternBased      EstimationMethod = "pattern_based"
	DistributionBased EstimationMethod = "distribution_based"
	SinglePage        EstimationMethod = "single_page"
)

// Confidence qualifies a page label.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Chunk is a bounded excerpt of document text, the unit of retrieval.
// Chunks are created once at ingestion and immutable thereafter.
type Chunk struct {
	DocumentID       string
	Index            int
	Text             string
	Page             string // "4" or "2-3" for chunks spanning pages
	StartChar        int
	EndChar          int
	Embedding        []float64
	EstimationMethod EstimationMethod
	Confidence       Confidence
}

// Options bounds the sliding window.
type Options struct {
	TargetSize int // preferred chunk length in characters
	Overlap    int // characters shared between consecutive chunks
	MinSize    int // minimum cursor advance per window
	MaxSize    int // hard cap on window length
}

// Normalize applies defaults for unset options.
func (o Options) Normalize() Options {
	if o.TargetSize <= 0 {
		o.TargetSize = 1000
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.MinSize <= 0 {
		o.MinSize = 100
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 2500
	}
	if o.MaxSize < o.MinSize {
		o.MaxSize = o.MinSize
	}
	if o.TargetSize > o.MaxSize {
		o.TargetSize = o.MaxSize
	}
	return o
}

const (
	hardMinChunkLen = 50
	hardMaxChunkLen = 8000
	minUniqueRatio  = 0.3
)

var pageMarkerRe = regexp.MustCompile(`(?mi)^\s*page\s+(\d+)\s*$`)

// Split cuts text into overlapping chunks with page attribution. Empty or
// unusable input yields an empty slice, never an error.
func Split(documentID, text string, pageCount int, opts Options) []Chunk {
	opts = opts.Normalize()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	pages := attributePages(text, pageCount)

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + opts.MaxSize
		var breakpoint int
		if end >= len(text) {
			breakpoint = len(text)
		} else {
			breakpoint = findBreak(text, start, end, opts)
		}

		raw := text[start:breakpoint]
		if keep(raw) {
			sp := pages.pageAt(start)
			ep := pages.pageAt(breakpoint - 1)
			label := fmt.Sprintf("%d", sp)
			if ep != sp {
				label = fmt.Sprintf("%d-%d", sp, ep)
			}
			chunks = append(chunks, Chunk{
				DocumentID:       documentID,
				Index:            len(chunks),
				Text:             strings.TrimSpace(raw),
				Page:             label,
				StartChar:        start,
				EndChar:          breakpoint,
				EstimationMethod: pages.method,
				Confidence:       pages.confidence,
			})
		}

		if breakpoint >= len(text) {
			break
		}
		next := breakpoint - opts.Overlap
		if next < start+opts.MinSize {
			// Always advance by at least MinSize so the scan terminates.
			next = start + opts.MinSize
		}
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
	return chunks
}

// findBreak picks a cut point inside the window [start, end), trying a
// paragraph break, then a sentence break, then whitespace, then a hard cut.
func findBreak(text string, start, end int, opts Options) int {
	regionStart := start + opts.MinSize
	if regionStart >= end {
		return end
	}

	// Paragraph break anywhere past the minimum prefix; prefer the last one,
	// but not one so early it would leave a fragment shorter than half the
	// target.
	if i := strings.LastIndex(text[regionStart:end], "\n\n"); i >= 0 {
		bp := regionStart + i
		if bp-start >= opts.TargetSize/2 {
			return bp
		}
	}

	// Sentence break: terminator followed by whitespace and a capitalized word.
	for i := end - 1; i > regionStart; i-- {
		if isSentenceBreak(text, i) {
			return i + 1
		}
	}

	// Any whitespace boundary, nearest the end.
	for i := end - 1; i > regionStart; i-- {
		if isSpace(text[i]) {
			return i
		}
	}

	// Hard cut, snapped back so it never lands inside a multibyte rune.
	for end > regionStart && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

func isSentenceBreak(text string, i int) bool {
	switch text[i] {
	case '.', '!', '?':
	default:
		return false
	}
	j := i + 1
	if j >= len(text) {
		return true
	}
	if !isSpace(text[j]) {
		return false
	}
	for j < len(text) && isSpace(text[j]) {
		j++
	}
	if j >= len(text) {
		return true
	}
	r := []rune(text[j:])[0]
	return unicode.IsUpper(r) || unicode.IsDigit(r)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// keep applies the chunk validity invariants; failing chunks are dropped
// silently rather than reported as errors.
func keep(raw string) bool {
	t := strings.TrimSpace(raw)
	if len(t) < hardMinChunkLen || len(t) > hardMaxChunkLen {
		return false
	}
	hasLetter := false
	for _, r := range t {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	words := strings.Fields(strings.ToLower(t))
	if len(words) == 0 {
		return false
	}
	uniq := make(map[string]struct{}, len(words))
	for _, w := range words {
		uniq[w] = struct{}{}
	}
	return float64(len(uniq))/float64(len(words)) >= minUniqueRatio
}

// pageMap maps character offsets to 1-based page numbers.
type pageMap struct {
	boundaries []int // offset where page i+2 begins; empty means single page
	method     EstimationMethod
	confidence Confidence
}

func (p pageMap) pageAt(offset int) int {
	return sort.SearchInts(p.boundaries, offset+1) + 1
}

// attributePages detects page boundaries from explicit markers when they are
// consistent with the expected page count, otherwise distributes pages
// proportionally by character offset.
func attributePages(text string, pageCount int) pageMap {
	if pageCount <= 1 {
		return pageMap{method: SinglePage, confidence: ConfidenceHigh}
	}

	if b := markerBoundaries(text); consistent(len(b)+1, pageCount) {
		return pageMap{boundaries: b, method: PatternBased, confidence: ConfidenceHigh}
	}

	// Proportional distribution, snapping each boundary to nearby whitespace.
	boundaries := make([]int, 0, pageCount-1)
	for i := 1; i < pageCount; i++ {
		pos := i * len(text) / pageCount
		boundaries = append(boundaries, snapToWhitespace(text, pos))
	}
	sort.Ints(boundaries)
	return pageMap{boundaries: boundaries, method: DistributionBased, confidence: ConfidenceMedium}
}

// markerBoundaries collects form-feed and "Page N" marker offsets.
func markerBoundaries(text string) []int {
	var out []int
	for i := 0; i < len(text); i++ {
		if text[i] == '\f' {
			out = append(out, i)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, loc := range pageMarkerRe.FindAllStringIndex(text, -1) {
		out = append(out, loc[0])
	}
	return out
}

// consistent reports whether the detected page count plausibly matches the
// expected one. Markers are noisy, so one page of slack is allowed.
func consistent(detected, expected int) bool {
	if detected < 2 {
		return false
	}
	diff := detected - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

func snapToWhitespace(text string, pos int) int {
	const window = 200
	for d := 0; d < window; d++ {
		if pos+d < len(text) && isSpace(text[pos+d]) {
			return pos + d
		}
		if pos-d >= 0 && isSpace(text[pos-d]) {
			return pos - d
		}
	}
	return pos
}
