package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"voiceos/internal/resolver"
)

// terminalConfirmer renders confirmation options on the terminal and reads a
// selection from stdin. Anything other than a valid option number is a
// cancel, as is the resolution timeout.
type terminalConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (c *terminalConfirmer) Confirm(ctx context.Context, prompt resolver.ConfirmationPrompt) (int, error) {
	fmt.Fprintf(c.out, "Did you mean one of these for %q?\n", prompt.Utterance)
	for i, opt := range prompt.Options {
		fmt.Fprintf(c.out, "  %d. %s (%d%%)\n", i+1, opt.CommandText, opt.ConfidencePercent)
	}
	fmt.Fprint(c.out, "Select a number, or press enter to cancel: ")

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out, "\n(timed out)")
		return 0, ctx.Err()
	case line, ok := <-lines:
		if !ok {
			return 0, resolver.ErrConfirmationCancelled
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 1 || n > len(prompt.Options) {
			return 0, resolver.ErrConfirmationCancelled
		}
		return n - 1, nil
	}
}
