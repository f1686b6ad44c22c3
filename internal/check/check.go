// Package check runs host preflight checks and prints one line per check.
package check

import (
	"context"
	"fmt"
	"io"

	"zjm/internal/config"
	"zjm/internal/remote"
)

type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run executes checks in order and stops at the first failure.
func Run(ctx context.Context, w io.Writer, checks ...Check) error {
	for _, c := range checks {
		if err := c.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		fmt.Fprintf(w, "%s: OK\n", c.Name)
	}
	fmt.Fprintln(w, "all checks passed")
	return nil
}

// S3 verifies bucket access with the configured credentials. It is only
// meaningful when S3 is enabled.
func S3(cfg *config.Config) Check {
	return Check{
		Name: fmt.Sprintf("S3 bucket %s", cfg.S3.Bucket),
		Run: func(ctx context.Context) error {
			backend, err := remote.New(ctx, remote.OptionsFrom(cfg))
			if err != nil {
				return fmt.Errorf("S3 init: %w", err)
			}
			return backend.VerifyCredentials(ctx)
		},
	}
}
