package prompt

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello\n", "hello"},
		{"\n", "fallback"},
		{"   \n", "fallback"},
		{"", "fallback"},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Ask("Name", "fallback"); got != tt.want {
			t.Errorf("Ask(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAskSecret(t *testing.T) {
	gen := func() (string, error) { return "generated", nil }

	p, _ := newTestPrompter("\n")
	got, err := p.AskSecret("Secret", 8, gen)
	if err != nil || got != "generated" {
		t.Errorf("blank: got %q, %v", got, err)
	}

	p, out := newTestPrompter("short\nlong-enough-secret\n")
	got, err = p.AskSecret("Secret", 8, gen)
	if err != nil || got != "long-enough-secret" {
		t.Errorf("retry: got %q, %v", got, err)
	}
	if !strings.Contains(out.String(), "at least 8") {
		t.Errorf("expected length hint, got %q", out.String())
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter(" https://a.example , ,https://b.example\n")
	got := p.AskList("Origins", []string{"*"})
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("AskList() = %q", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskList("Origins", []string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Errorf("AskList() default = %q", got)
	}
}

func TestAskFloat(t *testing.T) {
	p, _ := newTestPrompter("abc\n-1\n2.5\n")
	if got := p.AskFloat("Rate", 20); got != 2.5 {
		t.Errorf("AskFloat() = %v, want 2.5", got)
	}
	p, _ = newTestPrompter("\n")
	if got := p.AskFloat("Rate", 20); got != 20 {
		t.Errorf("AskFloat() default = %v, want 20", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"sqlite", "postgres"}

	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Driver", options, 0); got != "postgres" {
		t.Errorf("Choose() = %q", got)
	}
	p, _ = newTestPrompter("9\n\n")
	if got := p.Choose("Driver", options, 0); got != "sqlite" {
		t.Errorf("Choose() after bad input = %q", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input  string
		defYes bool
		want   bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defYes, got, tt.want)
		}
	}
}
