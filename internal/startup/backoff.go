package startup

import (
	"context"
	"time"
)

// Fibonacci yields waits of 1, 1, 2, 3, 5, ... units.
type Fibonacci struct {
	unit time.Duration
	a, b int
}

func NewFibonacci(unit time.Duration) *Fibonacci {
	return &Fibonacci{unit: unit, a: 1, b: 1}
}

func (f *Fibonacci) Next() time.Duration {
	wait := time.Duration(f.a) * f.unit
	f.a, f.b = f.b, f.a+f.b
	return wait
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
