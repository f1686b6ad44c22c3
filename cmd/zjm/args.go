package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"zjm/internal/errs"
)

// parseProps turns key=value arguments into a map.
func parseProps(args []string) (map[string]string, error) {
	props := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, errs.New(errs.CodeInvalidPropertyValue, "%s is not a key=value property", a)
		}
		props[k] = v
	}
	return props, nil
}

// requireArgs fails unless cmd got at least n positional arguments.
func requireArgs(cmd *cli.Command, n int, usage string) error {
	if cmd.NArg() < n {
		return fmt.Errorf("usage: zjm %s %s", cmd.Name, usage)
	}
	return nil
}

// confirm asks a yes/no question on w and reads the answer from r.
// Anything but y or yes is a no.
func confirm(r io.Reader, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", question)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
