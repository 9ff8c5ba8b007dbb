package tui

import (
	"fmt"
	"strconv"
	"strings"
)

// Command represents a parsed composer command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// OrderKey parses the argument of :jump.
func (c Command) OrderKey() (int64, error) {
	key, err := strconv.ParseInt(c.Args, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: order key expected, got %q", c.Name, c.Args)
	}
	return key, nil
}
