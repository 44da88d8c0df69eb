package estimators

import (
	"fmt"
	"strconv"

	"kubegems.io/modelkit/pkg/data"
	"kubegems.io/modelkit/pkg/errors"
)

func floatParam(key string, v any) (float64, error) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, invalidValue(key, v)
		}
		return f, nil
	}
	f, err := data.ToFloat(v)
	if err != nil {
		return 0, invalidValue(key, v)
	}
	return f, nil
}

func intParam(key string, v any) (int, error) {
	f, err := floatParam(key, v)
	if err != nil || f != float64(int(f)) {
		return 0, invalidValue(key, v)
	}
	return int(f), nil
}

func boolParam(key string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, invalidValue(key, v)
		}
		return b, nil
	default:
		return false, invalidValue(key, v)
	}
}

func stringParam(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidValue(key, v)
	}
	return s, nil
}

func invalidValue(key string, v any) error {
	return errors.NewInvalidParameterError(fmt.Sprintf("invalid value %v (%T) for parameter %s", v, v, key))
}
