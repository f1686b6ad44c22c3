// Package besteffort runs cleanup steps that must all be attempted even when
// some of them fail.
package besteffort

import (
	"context"
	"errors"
	"fmt"

	"zjm/internal/report"
)

type Step struct {
	Label string
	Run   func(ctx context.Context) error
	// Quiet steps are not reported through the sink.
	Quiet bool
}

type Result struct {
	Label string
	Err   error
}

type Report []Result

// Run executes every step in order and collects their outcomes. It never
// stops early; a cancelled context is passed on to the steps, which decide.
func Run(ctx context.Context, sink *report.Sink, steps ...Step) Report {
	results := make(Report, 0, len(steps))
	for _, s := range steps {
		err := s.Run(ctx)
		if sink != nil && !s.Quiet {
			sink.Step(s.Label, err)
		}
		results = append(results, Result{Label: s.Label, Err: err})
	}
	return results
}

func (r Report) Failed() []Result {
	var failed []Result
	for _, res := range r {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Err joins every failure, labelled, or returns nil.
func (r Report) Err() error {
	var joined []error
	for _, res := range r.Failed() {
		joined = append(joined, fmt.Errorf("%s: %w", res.Label, res.Err))
	}
	return errors.Join(joined...)
}

// Merge appends other to r.
func (r Report) Merge(other Report) Report {
	return append(r, other...)
}
