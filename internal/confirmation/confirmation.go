// Package confirmation asks the user before destructive operations
package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"backupchan/internal/display"
)

// Service prompts on out and reads the answer from in
type Service struct {
	reader *bufio.Reader
	out    io.Writer
	colors *display.ColorSystem
}

// NewService creates a confirmation service. A nil colors disables colors.
func NewService(in io.Reader, out io.Writer, colors *display.ColorSystem) *Service {
	if colors == nil {
		colors = display.NewPlainColorSystem()
	}
	return &Service{
		reader: bufio.NewReader(in),
		out:    out,
		colors: colors,
	}
}

// Confirm lists what is about to happen and asks question. autoApprove
// skips the prompt.
func (s *Service) Confirm(question string, details []string, autoApprove bool) (bool, error) {
	if len(details) > 0 {
		fmt.Fprintln(s.out, s.colors.Colorize("The following will be affected:", display.ColorWarning))
		for _, d := range details {
			fmt.Fprintf(s.out, "  - %s\n", d)
		}
	}
	if autoApprove {
		fmt.Fprintln(s.out, s.colors.Colorize("Auto-approve enabled, proceeding", display.ColorMuted))
		return true, nil
	}

	for {
		fmt.Fprint(s.out, s.colors.Colorize(question+" [y/N]: ", display.ColorPrimary))

		input, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || input == "") {
			return false, fmt.Errorf("failed to read input: %w", err)
		}

		answer, ok := parseAnswer(input)
		if ok {
			return answer, nil
		}
		if err == io.EOF {
			return false, nil
		}
		fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", strings.TrimSpace(input))
	}
}

func parseAnswer(input string) (answer, valid bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, true
	case "n", "no", "":
		return false, true
	default:
		return false, false
	}
}
