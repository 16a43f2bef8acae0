package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/arkilian/arkilian/pkg/types"
)

// encodeScalar renders one value as its declared ColumnType's fixed wire
// form. When allowCoerce is false, a type mismatch is a hard error
// (the primary encoding attempt); when true, the value is widened or
// parsed into the target type: numeric widening, string parsing, and
// null substitution for a missing value.
func encodeScalar(ct types.ColumnType, v interface{}, allowCoerce bool) ([]byte, error) {
	switch ct {
	case types.ColumnLong:
		i, err := toInt64(v, allowCoerce)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(i))
		return b, nil

	case types.ColumnDouble:
		f, err := toFloat64(v, allowCoerce)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
		return b, nil

	case types.ColumnBool:
		bo, err := toBool(v, allowCoerce)
		if err != nil {
			return nil, err
		}
		if bo {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case types.ColumnString:
		s, err := toStringValue(v, allowCoerce)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil

	default:
		return nil, fmt.Errorf("codec: unknown column type %q", ct)
	}
}

// decodeScalar is the inverse of encodeScalar for one column's fixed wire
// form.
func decodeScalar(ct types.ColumnType, b []byte) (interface{}, error) {
	switch ct {
	case types.ColumnLong:
		if len(b) != 8 {
			return nil, fmt.Errorf("expected 8 bytes for long, got %d", len(b))
		}
		return int64(binary.BigEndian.Uint64(b)), nil

	case types.ColumnDouble:
		if len(b) != 8 {
			return nil, fmt.Errorf("expected 8 bytes for double, got %d", len(b))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil

	case types.ColumnBool:
		if len(b) != 1 {
			return nil, fmt.Errorf("expected 1 byte for bool, got %d", len(b))
		}
		return b[0] != 0, nil

	case types.ColumnString:
		return string(b), nil

	default:
		return nil, fmt.Errorf("codec: unknown column type %q", ct)
	}
}

func toInt64(v interface{}, allowCoerce bool) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	}
	if !allowCoerce {
		return 0, fmt.Errorf("expected long, got %T", v)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to long: %w", n, err)
		}
		return i, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to long", v)
	}
}

func toFloat64(v interface{}, allowCoerce bool) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if !allowCoerce {
		return 0, fmt.Errorf("expected double, got %T", v)
	}
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to double: %w", n, err)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to double", v)
	}
}

func toBool(v interface{}, allowCoerce bool) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	if !allowCoerce {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	switch n := v.(type) {
	case string:
		b, err := strconv.ParseBool(n)
		if err != nil {
			return false, fmt.Errorf("cannot coerce %q to bool: %w", n, err)
		}
		return b, nil
	case float64:
		return n != 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("cannot coerce %T to bool", v)
	}
}

func toStringValue(v interface{}, allowCoerce bool) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	if !allowCoerce {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", n), nil
	}
}
