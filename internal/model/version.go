package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a semantic model version (major.minor.patch).
// Versions are unique and monotonically non-decreasing within a model type.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a "major.minor.patch" string into a Version.
// All three components are required and must be non-negative integers.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: version %q must be major.minor.patch", ErrValidation, s)
	}

	nums := make([]int, 3)

	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: version component %q is not a non-negative integer", ErrValidation, part)
		}

		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion parses a version string and panics on error.
// Intended for constants and tests.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String returns the "major.minor.patch" representation.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero returns true for the zero version 0.0.0.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

// Compare returns -1 if v < other, 0 if equal, +1 if v > other.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return compareInt(v.Major, other.Major)
	}

	if v.Minor != other.Minor {
		return compareInt(v.Minor, other.Minor)
	}

	return compareInt(v.Patch, other.Patch)
}

// Before returns true if v sorts strictly before other.
func (v Version) Before(other Version) bool {
	return v.Compare(other) < 0
}

// NextMinor returns the version with the minor component bumped and patch reset.
// Training uses this to derive a candidate version from the current maximum.
func (v Version) NextMinor() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
}

// NextMajor returns the version with the major component bumped and the rest reset.
func (v Version) NextMajor() Version {
	return Version{Major: v.Major + 1}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
