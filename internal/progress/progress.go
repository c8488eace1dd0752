// Package progress prints the one line per step progress indicator used by
// the operator commands, and asks yes/no questions.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	mark   = color.New(color.FgBlue).SprintFunc()
	label  = color.New(color.FgGreen).SprintFunc()
	name   = color.New(color.FgYellow).SprintFunc()
	good   = color.New(color.FgGreen).SprintFunc()
	bad    = color.New(color.FgRed).SprintFunc()
	detail = color.New(color.FgBlue).SprintFunc()
)

// Printer writes progress lines: Begin opens a line, Middle adds bracketed
// marks to it and End closes it with an ok or failure tag.
type Printer struct {
	w    io.Writer
	in   *bufio.Reader
	tty  bool
	open bool
}

// New returns a Printer writing to w. Questions are read from in, and only
// asked when in is a terminal.
func New(w io.Writer, in *os.File) *Printer {
	p := &Printer{w: w}
	if in != nil {
		p.in = bufio.NewReader(in)
		p.tty = term.IsTerminal(int(in.Fd()))
	}
	return p
}

// Discard returns a Printer that prints nothing and declines every question.
func Discard() *Printer {
	return &Printer{w: io.Discard}
}

// Begin starts a new line for a step acting on subject, which may be empty.
func (p *Printer) Begin(text, subject string) {
	if p.open {
		fmt.Fprintln(p.w)
	}
	fmt.Fprintf(p.w, "%s %s", mark("*"), label(text))
	if subject != "" {
		fmt.Fprintf(p.w, " %s", name(subject))
	}
	fmt.Fprint(p.w, " ")
	p.open = true
}

// Middle adds an informational mark to the current line.
func (p *Printer) Middle(text string, ok bool) {
	c := detail
	if !ok {
		c = bad
	}
	fmt.Fprintf(p.w, "[%s] ", c(text))
}

// End closes the current line with a success or failure tag.
func (p *Printer) End(text string, ok bool) {
	c := good
	if !ok {
		c = bad
	}
	fmt.Fprintf(p.w, "[%s]\n", c(text))
	p.open = false
}

// Confirm asks a y/N question. Anything other than y is a no, as is the
// absence of a terminal to ask on.
func (p *Printer) Confirm(question string) (bool, error) {
	if !p.tty || p.in == nil {
		return false, nil
	}
	for {
		p.Begin(question+" "+name("(y/N)"), "")
		line, err := p.in.ReadString('\n')
		p.open = false
		if err != nil && line == "" {
			return false, err
		}
		switch strings.TrimSpace(line) {
		case "y", "Y":
			return true, nil
		case "", "n", "N":
			return false, nil
		}
	}
}
