package wordgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerateFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+$`)
	for i := 0; i < 10; i++ {
		result := Generate()
		if !pattern.MatchString(result) {
			t.Errorf("Generate() iteration %d = %q, does not match adjective-noun pattern", i, result)
		}
	}
}

func TestGenerateComponents(t *testing.T) {
	result := Generate()
	if result == "" {
		t.Fatal("Generate() returned empty string")
	}

	adj, noun, ok := strings.Cut(result, "-")
	if !ok {
		t.Fatalf("Generate() = %q, missing separator", result)
	}
	if !contains(adjectives, adj) {
		t.Errorf("Generate() = %q, adjective %q not in list", result, adj)
	}
	if !contains(nouns, noun) {
		t.Errorf("Generate() = %q, noun %q not in list", result, noun)
	}
}

func TestGenerateVariety(t *testing.T) {
	results := make(map[string]bool)
	iterations := 100
	for i := 0; i < iterations; i++ {
		results[Generate()] = true
	}
	if len(results) < iterations/2 {
		t.Errorf("Generate() produced %d unique values out of %d iterations, expected more variety", len(results), iterations)
	}
}

func TestPick(t *testing.T) {
	words := []string{"alpha", "beta", "gamma"}
	result, err := pick(words)
	if err != nil {
		t.Fatalf("pick() error = %v", err)
	}
	if !contains(words, result) {
		t.Errorf("pick() = %q, not in input list", result)
	}

	if _, err := pick(nil); err == nil {
		t.Error("pick(nil) expected error, got nil")
	}
}

func contains(words []string, w string) bool {
	for _, candidate := range words {
		if candidate == w {
			return true
		}
	}
	return false
}
