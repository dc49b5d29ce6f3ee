package tokenizer

import (
	"reflect"
	"strings"
	"testing"
)

func TestBasicWhitespace(t *testing.T) {
	got := Tokenize("SET foo bar\r\n")
	want := []string{"SET", "foo", "bar"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestQuotedTokenPreservesSpaces(t *testing.T) {
	got := Tokenize(`SET foo "bar baz"` + "\n")
	want := []string{"SET", "foo", "bar baz"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEscapedQuoteSurvivesInToken(t *testing.T) {
	got := Tokenize(`SET foo "bar\"baz"`)
	want := []string{"SET", "foo", `bar\"baz`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestUnterminatedQuoteIsTolerated(t *testing.T) {
	got := Tokenize(`SET foo "bar baz`)
	want := []string{"SET", "foo", "bar baz"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIdempotentOnUnquotedTokens(t *testing.T) {
	tokens := []string{"MULTI", "SET", "a", "1"}
	joined := strings.Join(tokens, " ")
	got := Tokenize(joined)
	if !reflect.DeepEqual(got, tokens) {
		t.Fatalf("tokenize(join(tokens)) = %v, want %v", got, tokens)
	}
}

func TestEmptyLineYieldsNoTokens(t *testing.T) {
	if got := Tokenize("\r\n"); len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
}
