package socket

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// generateID returns a fresh STOMP subscription id.
func generateID() string {
	return "sub-" + uuid.NewString()
}

// normalizeID accepts the shapes chat and group ids arrive in and returns
// them as a positive integer.
func normalizeID(v any) (int64, error) {
	var n int64
	switch id := v.(type) {
	case int:
		n = int64(id)
	case int32:
		n = int64(id)
	case int64:
		n = id
	case uint:
		if uint64(id) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows", ErrInvalidID, id)
		}
		n = int64(id)
	case uint32:
		n = int64(id)
	case uint64:
		if id > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows", ErrInvalidID, id)
		}
		n = int64(id)
	case float64:
		if id != math.Trunc(id) || math.IsInf(id, 0) || math.Abs(id) > 1<<53 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidID, id)
		}
		n = int64(id)
	case json.Number:
		parsed, err := id.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidID, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, n)
	}
	return n, nil
}

// idString renders a decoded JSON scalar for identity comparison.
func idString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
