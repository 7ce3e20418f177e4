package orchestrator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/minerlink/minerlink/pkg/errs"
)

// CoerceMacros converts macro values to the strings the platform expects.
// Numbers use their shortest exact form, times RFC 3339. A nil value or an
// empty name is rejected.
func CoerceMacros(macros map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(macros))
	for k, v := range macros {
		if k == "" {
			return nil, errs.New(errs.KindInvalidArgument, "macro names must not be empty")
		}
		s, err := macroString(v)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidArgument, fmt.Sprintf("macro %s", k), err)
		}
		out[k] = s
	}
	return out, nil
}

func macroString(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("value is nil")
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return fmt.Sprint(v), nil
}
