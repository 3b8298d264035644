package enums

import (
	"fmt"
	"slices"
)

func oneOf[T ~string](v T, set []T) bool { return slices.Contains(set, v) }

// parse maps raw input onto a member of set; label names the enum in errors.
func parse[T ~string](label, raw string, set []T) (T, error) {
	if v := T(raw); oneOf(v, set) {
		return v, nil
	}
	return "", fmt.Errorf("invalid %s %q", label, raw)
}
