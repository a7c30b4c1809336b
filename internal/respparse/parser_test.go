package respparse

import (
	"strings"
	"testing"
)

func TestParseStructuredJSON(t *testing.T) {
	res := Parse(`{"answer":"x","citations":[{"page":2,"snippet":"s"}]}`)
	if res.Strategy != StrategyStructured {
		t.Fatalf("expected structured strategy, got %s", res.Strategy)
	}
	if res.Answer != "x" {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Page != "2" {
		t.Fatalf("expected numeric page normalized to \"2\", got %+v", res.Citations)
	}
	if res.Citations[0].Snippet != "s" {
		t.Fatalf("snippet = %q", res.Citations[0].Snippet)
	}
}

func TestParsePageRangeString(t *testing.T) {
	res := Parse(`{"answer":"spans pages","citations":[{"page":"2-3","snippet":"s"}]}`)
	if res.Citations[0].Page != "2-3" {
		t.Fatalf("range page mangled: %q", res.Citations[0].Page)
	}
}

func TestParseJSONWithTrailingProse(t *testing.T) {
	res := Parse(`Here is my response: {"answer":"grounded","citations":[]} hope that helps!`)
	if res.Strategy != StrategyExtracted {
		t.Fatalf("expected extracted strategy, got %s", res.Strategy)
	}
	if res.Answer != "grounded" {
		t.Fatalf("answer = %q", res.Answer)
	}
}

func TestParseFencedJSON(t *testing.T) {
	raw := "```json\n{\"answer\":\"fenced\",\"citations\":[{\"page\":\"4\",\"snippet\":\"from the doc\"}]}\n```"
	res := Parse(raw)
	if res.Answer != "fenced" {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Page != "4" {
		t.Fatalf("citations = %+v", res.Citations)
	}
}

func TestParseHeuristic(t *testing.T) {
	raw := "Answer: Photosynthesis converts light into chemical energy. This is covered on page 7 and again on page 12."
	res := Parse(raw)
	if res.Strategy != StrategyHeuristic {
		t.Fatalf("expected heuristic strategy, got %s", res.Strategy)
	}
	if !strings.Contains(res.Answer, "Photosynthesis") {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %+v", res.Citations)
	}
	if res.Citations[0].Page != "7" || res.Citations[1].Page != "12" {
		t.Fatalf("pages = %q %q", res.Citations[0].Page, res.Citations[1].Page)
	}
}

func TestParseHeuristicDeduplicatesPages(t *testing.T) {
	raw := "Answer: see the intro. Page 2 explains it, and page 2 repeats it."
	res := Parse(raw)
	if len(res.Citations) != 1 {
		t.Fatalf("expected de-duplicated citations, got %+v", res.Citations)
	}
}

func TestParseRawFallback(t *testing.T) {
	raw := "The document describes the water cycle in depth."
	res := Parse(raw)
	if res.Strategy != StrategyRaw {
		t.Fatalf("expected raw fallback, got %s", res.Strategy)
	}
	if res.Answer != raw {
		t.Fatalf("answer = %q", res.Answer)
	}
	if res.Citations == nil {
		t.Fatal("citations must never be nil")
	}
}

func TestParseEmptyInput(t *testing.T) {
	res := Parse("")
	if res.Citations == nil {
		t.Fatal("citations must never be nil")
	}
	if res.Strategy != StrategyRaw {
		t.Fatalf("expected raw fallback, got %s", res.Strategy)
	}
}

func TestParseDropsInvalidCitationsIndividually(t *testing.T) {
	res := Parse(`{"answer":"a","citations":[{"page":"","snippet":"s"},{"page":"3","snippet":""},{"page":"5","snippet":"good"}]}`)
	if len(res.Citations) != 1 || res.Citations[0].Page != "5" {
		t.Fatalf("expected only the valid citation kept, got %+v", res.Citations)
	}
}

func TestParseCapsSnippetLength(t *testing.T) {
	long := strings.Repeat("y", 500)
	res := Parse(`{"answer":"a","citations":[{"page":"1","snippet":"` + long + `"}]}`)
	if len(res.Citations) != 1 || len(res.Citations[0].Snippet) != 200 {
		t.Fatalf("snippet not capped: %d", len(res.Citations[0].Snippet))
	}
}

func TestParseEmptyAnswerFieldFallsThrough(t *testing.T) {
	// A record with an empty answer is rejected, so the ladder keeps going.
	raw := `{"answer":"","citations":[]}`
	res := Parse(raw)
	if res.Answer == "" {
		t.Fatal("answer must never be empty for non-empty input")
	}
}

func TestParseTotality(t *testing.T) {
	inputs := []string{
		"",
		"   \n\t ",
		"plain prose, no structure at all",
		`{"answer":"ok"}`,
		`{"broken json`,
		"``` not even json ```",
		`[1,2,3]`,
		strings.Repeat("{", 1000),
	}
	for _, in := range inputs {
		res := Parse(in)
		if res.Citations == nil {
			t.Fatalf("citations nil for input %q", in)
		}
	}
}
