package validate

import (
	"errors"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

// maxSweepDepth bounds the recursive walk. Objects nested deeper are
// rejected outright so a payload cannot tuck forbidden keys below the
// sweep horizon.
const maxSweepDepth = 10

var (
	errContainsPII = errors.New("contains PII (rejected for privacy)")
	errTooDeep     = errors.New("exceeds maximum nesting depth")
)

// sweepPII walks a decoded event object and fails on the first key from
// the forbidden set, at any depth. The error never echoes the trapped
// value. Arrays are traversed; scalars are ignored.
func sweepPII(value any, depth int) error {
	if depth > maxSweepDepth {
		return errTooDeep
	}
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if types.IsPIIKey(key) {
				return errContainsPII
			}
			if err := sweepPII(nested, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := sweepPII(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
