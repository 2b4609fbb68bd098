package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/vaultgate/internal/mediator"
)

// terminalPrompter asks for approval on the controlling terminal. Reads happen
// on a dedicated goroutine so a cancelled context resolves the pending call
// without waiting for input.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer

	interactive bool
}

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	return &terminalPrompter{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: term.IsTerminal(int(in.Fd())),
	}
}

func (p *terminalPrompter) Prompt(ctx context.Context, req mediator.PromptRequest) (mediator.PromptDecision, error) {
	if !p.interactive {
		return "", errors.New("stdin is not a terminal; cannot ask for approval")
	}

	fmt.Fprintf(p.out, "\nApproval needed: %s", req.Tool)
	if detail := strings.TrimSpace(req.Context); detail != "" {
		fmt.Fprintf(p.out, " %q", detail)
	}
	fmt.Fprint(p.out, "\n  [y] allow once  [a] always allow  [n] deny > ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return "", a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return mediator.PromptAllow, nil
		case "a", "always":
			return mediator.PromptAllowAlways, nil
		default:
			return mediator.PromptDeny, nil
		}
	}
}
