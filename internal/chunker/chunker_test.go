package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// sentencePara builds n chars of prose with distinct words so chunks clear the
// repetition filter.
func sentencePara(n int) string {
	var b strings.Builder
	i := 0
	for b.Len() < n+20 {
		fmt.Fprintf(&b, "Alpha beta%d gamma%d delta%d epsilon%d zeta%d. ", i, i+1, i+2, i+3, i+4)
		i += 5
	}
	return strings.TrimSpace(b.String()[:n])
}

func TestSplitEmptyInput(t *testing.T) {
	if got := Split("doc", "", 1, Options{}); got != nil {
		t.Fatalf("expected nil for empty input, got %d chunks", len(got))
	}
	if got := Split("doc", "   \n\t  ", 1, Options{}); got != nil {
		t.Fatalf("expected nil for blank input, got %d chunks", len(got))
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := sentencePara(3000) + "\n\n" + sentencePara(3000)
	opts := Options{TargetSize: 1000, Overlap: 200, MinSize: 100, MaxSize: 2500}
	a := Split("doc", text, 3, opts)
	b := Split("doc", text, 3, opts)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].Page != b[i].Page || a[i].StartChar != b[i].StartChar || a[i].EndChar != b[i].EndChar {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitInvariantsAndCoverage(t *testing.T) {
	text := sentencePara(3000) + "\n\n" + sentencePara(2000) + "\n\n" + sentencePara(4000)
	chunks := Split("doc", text, 4, Options{})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	covered := 0
	lastPageStart := 0
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if len(c.Text) < 50 || len(c.Text) > 8000 {
			t.Fatalf("chunk %d length %d out of bounds", i, len(c.Text))
		}
		if !strings.ContainsAny(c.Text, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
			t.Fatalf("chunk %d has no letters", i)
		}
		if c.StartChar > covered {
			t.Fatalf("gap before chunk %d: covered to %d, starts at %d", i, covered, c.StartChar)
		}
		if c.EndChar > covered {
			covered = c.EndChar
		}
		sp := pageStart(t, c.Page)
		if sp < lastPageStart {
			t.Fatalf("page labels regressed at chunk %d: %d after %d", i, sp, lastPageStart)
		}
		lastPageStart = sp
	}
	if covered != len(text) {
		t.Fatalf("chunks cover %d of %d chars", covered, len(text))
	}
}

func pageStart(t *testing.T, label string) int {
	t.Helper()
	var sp int
	if i := strings.IndexByte(label, '-'); i >= 0 {
		label = label[:i]
	}
	for _, r := range label {
		sp = sp*10 + int(r-'0')
	}
	return sp
}

func TestSplitBreaksAtParagraphBoundary(t *testing.T) {
	p1 := sentencePara(3000)
	p2 := sentencePara(3000)
	text := p1 + "\n\n" + p2
	opts := Options{TargetSize: 1000, Overlap: 200, MinSize: 100, MaxSize: 2500}
	chunks := Split("doc", text, 2, opts)

	boundary := len(p1)
	foundBoundary := false
	for _, c := range chunks {
		if c.EndChar == boundary {
			foundBoundary = true
		}
		// Never cut mid-word: the char after the span must be a boundary.
		if c.EndChar < len(text) {
			before := text[c.EndChar-1]
			after := text[c.EndChar]
			if !isSpace(after) && !isSpace(before) && before != '.' && before != '!' && before != '?' {
				t.Fatalf("chunk ending at %d cuts mid-word (%q|%q)", c.EndChar, string(before), string(after))
			}
		}
	}
	if !foundBoundary {
		t.Fatalf("no chunk ends at the paragraph boundary %d", boundary)
	}
}

func TestSplitDropsInvalidChunks(t *testing.T) {
	// Numbers only: no letters, so everything is filtered out.
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("12345 67890 ")
	}
	if got := Split("doc", b.String(), 1, Options{}); got != nil {
		t.Fatalf("expected all chunks dropped, got %d", len(got))
	}
}

func TestPageAttributionFormFeeds(t *testing.T) {
	p := sentencePara(900)
	text := p + "\f" + p + "\f" + p
	chunks := Split("doc", text, 3, Options{TargetSize: 400, Overlap: 50, MinSize: 60, MaxSize: 500})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for _, c := range chunks {
		if c.EstimationMethod != PatternBased {
			t.Fatalf("expected pattern_based, got %s", c.EstimationMethod)
		}
		if c.Confidence != ConfidenceHigh {
			t.Fatalf("expected high confidence, got %s", c.Confidence)
		}
	}
	if chunks[0].Page != "1" && !strings.HasPrefix(chunks[0].Page, "1-") {
		t.Fatalf("first chunk should start on page 1, got %q", chunks[0].Page)
	}
	last := chunks[len(chunks)-1]
	if last.Page != "3" && !strings.HasSuffix(last.Page, "-3") {
		t.Fatalf("last chunk should end on page 3, got %q", last.Page)
	}
}

func TestPageAttributionDistribution(t *testing.T) {
	text := sentencePara(6000) // no markers at all
	chunks := Split("doc", text, 4, Options{})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for _, c := range chunks {
		if c.EstimationMethod != DistributionBased {
			t.Fatalf("expected distribution_based, got %s", c.EstimationMethod)
		}
		if c.Confidence != ConfidenceMedium {
			t.Fatalf("expected medium confidence, got %s", c.Confidence)
		}
	}
}

func TestPageAttributionSinglePage(t *testing.T) {
	chunks := Split("doc", sentencePara(800), 1, Options{})
	for _, c := range chunks {
		if c.EstimationMethod != SinglePage || c.Page != "1" {
			t.Fatalf("expected single_page page 1, got %s %q", c.EstimationMethod, c.Page)
		}
	}
}

func TestPageRangeLabel(t *testing.T) {
	// Two pages, one chunk spanning both: the label must be a range.
	p := sentencePara(300)
	text := p + "\f" + p
	chunks := Split("doc", text, 2, Options{TargetSize: 600, Overlap: 0, MinSize: 60, MaxSize: 700})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	found := false
	for _, c := range chunks {
		if c.Page == "1-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a 1-2 range label, pages were %v", pagesOf(chunks))
	}
}

func pagesOf(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Page
	}
	return out
}

func TestSplitPageHeaderMarkers(t *testing.T) {
	text := sentencePara(400) + "\nPage 2\n" + sentencePara(400) + "\nPage 3\n" + sentencePara(400)
	chunks := Split("doc", text, 3, Options{TargetSize: 300, Overlap: 0, MinSize: 100, MaxSize: 400})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for _, c := range chunks {
		if c.EstimationMethod != PatternBased {
			t.Fatalf("expected pattern attribution, got %s (pages %v)", c.EstimationMethod, pagesOf(chunks))
		}
		if c.Confidence != ConfidenceHigh {
			t.Fatalf("expected high confidence, got %s", c.Confidence)
		}
	}
	if chunks[0].Page != "1" {
		t.Fatalf("first chunk page = %q", chunks[0].Page)
	}
	if last := chunks[len(chunks)-1].Page; !strings.HasSuffix(last, "3") {
		t.Fatalf("last chunk page = %q, want it to end on page 3", last)
	}
}

func TestSplitMultibyteText(t *testing.T) {
	// No whitespace at all, so every cut is a hard cut; byte widths are mixed
	// so naive byte slicing would split runes.
	text := strings.Repeat("é日本語x", 300)
	chunks := Split("doc", text, 1, Options{TargetSize: 500, Overlap: 100, MinSize: 200, MaxSize: 601})
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.Text) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, c.Text)
		}
	}
}
