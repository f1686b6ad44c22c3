package zfs

import (
	"context"
	"errors"
	"fmt"
)

// WithWritable runs fn with readonly=off on dataset and puts readonly=on back
// afterwards, including when fn fails or ctx is cancelled. A dataset that was
// already writable is left alone.
func WithWritable(ctx context.Context, z Interface, dataset string, fn func() error) (err error) {
	ro, err := z.GetProperty(ctx, dataset, "readonly")
	if err != nil {
		return err
	}
	if ro != "on" {
		return fn()
	}
	if err := z.SetProperty(ctx, dataset, "readonly", "off"); err != nil {
		return fmt.Errorf("failed to make %s writable: %w", dataset, err)
	}
	defer func() {
		if rerr := z.SetProperty(context.WithoutCancel(ctx), dataset, "readonly", "on"); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore readonly on %s: %w", dataset, rerr))
		}
	}()
	return fn()
}
