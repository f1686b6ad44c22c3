package command

import (
	"context"
	"strings"
	"sync"
)

// Recorder is a scripted Runner. Every command is recorded; responses are
// picked by the longest registered prefix of the command line.
type Recorder struct {
	mu       sync.Mutex
	calls    []Cmd
	handlers map[string]func(Cmd) ([]byte, error)
}

func NewRecorder() *Recorder {
	return &Recorder{handlers: map[string]func(Cmd) ([]byte, error){}}
}

func (r *Recorder) On(prefix string, fn func(Cmd) ([]byte, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = fn
}

func (r *Recorder) Respond(prefix, stdout string) {
	r.On(prefix, func(Cmd) ([]byte, error) { return []byte(stdout), nil })
}

func (r *Recorder) Fail(prefix string, exitCode int, stderr string) {
	r.On(prefix, func(c Cmd) ([]byte, error) {
		return nil, &Error{Name: c.Name, Args: c.Args, ExitCode: exitCode, Stderr: stderr}
	})
}

func (r *Recorder) Run(_ context.Context, c Cmd) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	line := c.String()
	var best string
	var fn func(Cmd) ([]byte, error)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, fn = prefix, h
		}
	}
	r.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	out, err := fn(c)
	if c.Stdout != nil && len(out) > 0 {
		if _, werr := c.Stdout.Write(out); werr != nil {
			return nil, werr
		}
		return nil, err
	}
	return out, err
}

func (r *Recorder) Calls() []Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Cmd(nil), r.calls...)
}

// Lines returns every recorded command line in order.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// Index returns the position of the first command line starting with
// prefix, or -1.
func (r *Recorder) Index(prefix string) int {
	for i, l := range r.Lines() {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

func (r *Recorder) Ran(prefix string) bool {
	return r.Index(prefix) >= 0
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
