// Package window implements replay matching around a nominal counter or time step.
package window

import (
	"crypto/subtle"

	"github.com/openauthsim/otp-service/internal/errs"
)

// Window bounds how far replay searches behind and ahead of the nominal index.
type Window struct {
	Backward int `json:"backward" toml:"backward" yaml:"backward"`
	Forward  int `json:"forward" toml:"forward" yaml:"forward"`
}

// Exact only accepts the nominal index.
var Exact = Window{}

func (w Window) Validate() error {
	if w.Backward < 0 {
		return errs.Newf(errs.InvalidWindow, "window.backward must be non-negative, got %d", w.Backward)
	}
	if w.Forward < 0 {
		return errs.Newf(errs.InvalidWindow, "window.forward must be non-negative, got %d", w.Forward)
	}
	return nil
}

// Offsets lists the scan order: 0, -1, +1, -2, +2, ... restricted to the bounds.
func (w Window) Offsets() []int {
	if w.Validate() != nil {
		return nil
	}
	offsets := make([]int, 0, w.Backward+w.Forward+1)
	offsets = append(offsets, 0)
	for d := 1; d <= w.Backward || d <= w.Forward; d++ {
		if d <= w.Backward {
			offsets = append(offsets, -d)
		}
		if d <= w.Forward {
			offsets = append(offsets, d)
		}
	}
	return offsets
}

// ExpectedFunc computes the expected value at a signed offset from nominal. ok is false when
// the offset maps outside the valid index range and must be skipped.
type ExpectedFunc func(offset int) (value string, ok bool, err error)

// Result of a window scan.
type Result struct {
	Matched bool
	Offset  int
	// Attempts is the number of offsets that were evaluated.
	Attempts int
}

// Match scans the window and returns the first offset whose expected value equals candidate.
// Values are compared in constant time.
func Match(expected ExpectedFunc, candidate string, w Window) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	var result Result
	for _, offset := range w.Offsets() {
		value, ok, err := expected(offset)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		result.Attempts++
		if Equal(value, candidate) {
			result.Matched = true
			result.Offset = offset
			return result, nil
		}
	}
	return result, nil
}

// Equal compares two secret-derived values without leaking where they differ.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
