// Package jail queries and adjusts the kernel jail table through jls(8),
// jail(8) and sysctl(8). Liveness is never cached: every call asks the OS.
package jail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zjm/internal/command"
	"zjm/internal/errs"
)

// Name is the kernel jail name of a jail: "ioc-" plus its id with dots
// replaced, since jail(8) treats dots in names as hierarchy separators.
func Name(id string) string {
	return "ioc-" + strings.ReplaceAll(id, ".", "_")
}

type State struct {
	Running bool
	JID     int
}

// Table is the OS jail table.
type Table struct {
	run command.Runner
}

func NewTable(run command.Runner) *Table {
	return &Table{run: run}
}

// State reports whether the jail for id is running and its jid.
func (t *Table) State(ctx context.Context, id string) (State, error) {
	out, err := t.run.Run(ctx, command.New("jls", "-j", Name(id), "jid"))
	if err != nil {
		if errors.Is(err, errs.CommandFailed) && !isTimeout(err) {
			return State{}, nil
		}
		return State{}, err
	}
	jid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return State{}, fmt.Errorf("unexpected jls output %q: %w", out, err)
	}
	return State{Running: true, JID: jid}, nil
}

func isTimeout(err error) bool {
	var ce *command.Error
	return errors.As(err, &ce) && ce.TimedOut
}

// Running lists the jail names currently present, keyed to their jid.
func (t *Table) Running(ctx context.Context) (map[string]int, error) {
	out, err := t.run.Run(ctx, command.New("jls", "jid", "name"))
	if err != nil {
		return nil, fmt.Errorf("failed to list jails: %w", err)
	}
	res := map[string]int{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		jid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		res[fields[1]] = jid
	}
	return res, nil
}

// Modify applies key=value to the live jail.
func (t *Table) Modify(ctx context.Context, jid int, key, value string) error {
	_, err := t.run.Run(ctx, command.New("jail", "-m", "jid="+strconv.Itoa(jid), key+"="+value))
	if err != nil {
		return fmt.Errorf("jail -m %s: %s: %w", key, strings.TrimSpace(command.Stderr(err)), err)
	}
	return nil
}

// Params returns the jail(8) parameter names the running kernel accepts,
// as listed by "sysctl -d security.jail.param".
func (t *Table) Params(ctx context.Context) (map[string]bool, error) {
	out, err := t.run.Run(ctx, command.New("sysctl", "-d", "security.jail.param"))
	if err != nil {
		return nil, fmt.Errorf("failed to list jail parameters: %w", err)
	}
	params := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, ok = strings.CutPrefix(strings.TrimSpace(name), "security.jail.param.")
		if !ok || name == "" {
			continue
		}
		params[strings.TrimSuffix(name, ".")] = true
	}
	return params, nil
}

// ParamName maps a config key to its jail(8) parameter name.
func ParamName(key string) string {
	switch key {
	case "allow_raw_sockets", "allow_socket_af", "allow_set_hostname":
		return strings.Replace(key, "_", ".", 1)
	}
	return strings.ReplaceAll(key, "_", ".")
}
