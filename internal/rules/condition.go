package rules

import (
	"fmt"

	"github.com/klyr/klyrscan/internal/profile"
)

// Evaluate combines fn over operands left to right. And stops at the first
// false and Or at the first true unless greedy is set, in which case every
// operand runs and the same result is returned. An error stops evaluation.
func Evaluate[T any](cond profile.Condition, operands []T, greedy bool, fn func(T) (bool, error)) (bool, error) {
	switch cond {
	case profile.And:
		result := true
		for _, op := range operands {
			ok, err := fn(op)
			if err != nil {
				return false, err
			}
			if !ok {
				result = false
				if !greedy {
					return false, nil
				}
			}
		}
		return result, nil
	case profile.Or:
		result := false
		for _, op := range operands {
			ok, err := fn(op)
			if err != nil {
				return false, err
			}
			if ok {
				result = true
				if !greedy {
					return true, nil
				}
			}
		}
		return result, nil
	default:
		return false, fmt.Errorf("unknown condition %q", cond)
	}
}
