// Package cli provides terminal prompt helpers for the setup wizards.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before a required answer was given.
var ErrNoInput = errors.New("no input")

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine returns the next trimmed line and false once input is exhausted.
func (p *Prompter) readLine() (string, bool) {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text()), true
	}
	return "", false
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired repeats the question until a non-empty answer is given.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		p.printf("%s: ", question)
		line, ok := p.readLine()
		if line != "" {
			return line, nil
		}
		if !ok {
			return "", fmt.Errorf("%s: %w", question, ErrNoInput)
		}
		p.printf("  A value is required.\n")
	}
}

// AskPassword reads a line without echoing. Falls back to a plain read when
// stdin is not a terminal.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	line, _ := p.readLine()
	return line
}

// AskDuration asks for a positive duration such as "2s" or "500ms".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		ans := p.Ask(question, defaultVal.String())
		d, err := time.ParseDuration(ans)
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Please enter a positive duration such as 2s or 500ms.\n")
	}
}

// Choose presents a numbered list of options and returns the selected index.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) int {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
