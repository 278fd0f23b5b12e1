// Package prompt reads answers for the interactive setup wizard.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// Stdio returns a Prompter on stdin/stdout.
func Stdio() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

// Ask reads one line, returning def when the answer is blank.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, def)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads a secret without echo when In is a terminal. A blank
// answer calls generate. Answers shorter than minLen are asked again.
func (p *Prompter) AskSecret(question string, minLen int, generate func() (string, error)) (string, error) {
	for {
		_, _ = fmt.Fprintf(p.Out, "%s (blank to generate): ", question)

		var ans string
		if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			_, _ = fmt.Fprintln(p.Out)
			if err != nil {
				return "", fmt.Errorf("read secret: %w", err)
			}
			ans = strings.TrimSpace(string(b))
		} else {
			ans = p.line()
		}

		if ans == "" {
			return generate()
		}
		if len(ans) >= minLen {
			return ans, nil
		}
		_, _ = fmt.Fprintf(p.Out, "  Must be at least %d characters.\n", minLen)
	}
}

// AskList reads a comma-separated list. Blank keeps def.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AskFloat reads a positive number.
func (p *Prompter) AskFloat(question string, def float64) float64 {
	for {
		ans := p.Ask(question, strconv.FormatFloat(def, 'f', -1, 64))
		if v, err := strconv.ParseFloat(ans, 64); err == nil && v > 0 {
			return v
		}
		_, _ = fmt.Fprintln(p.Out, "  Please enter a positive number.")
	}
}

// Choose lists options and returns the selected one.
func (p *Prompter) Choose(question string, options []string, def int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defYes bool) bool {
	hint := "y/N"
	if defYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
