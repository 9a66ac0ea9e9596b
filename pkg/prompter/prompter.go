// Package prompter reads answers to interactive questions
package prompter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In
type Prompter struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// New creates a prompter on the process terminal
func New() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr}
}

func (p *Prompter) line() (string, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	input, err := p.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// PromptString prompts for a line of input
func (p *Prompter) PromptString(label string) (string, error) {
	fmt.Fprint(p.Out, label)
	return p.line()
}

// PromptSecret prompts for input without echo when In is a terminal
func (p *Prompter) PromptSecret(label string) (string, error) {
	fmt.Fprint(p.Out, label)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}
	return p.line()
}

// PromptConfirm prompts for a yes/no answer
func (p *Prompter) PromptConfirm(label string) (bool, error) {
	fmt.Fprint(p.Out, label+" (y/n) ")
	input, err := p.line()
	if err != nil {
		return false, err
	}

	response := strings.ToLower(input)
	return response == "y" || response == "yes", nil
}
