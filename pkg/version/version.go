// Package version implements the four-component firmware version scheme
// used by GoXLR devices: major.minor.patch.build.
package version

import "fmt"

// Number is a firmware version. Components compare lexicographically in
// declared order.
type Number struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Patch uint32 `json:"patch"`
	Build uint32 `json:"build"`
}

func New(major, minor, patch, build uint32) Number {
	return Number{Major: major, Minor: minor, Patch: patch, Build: build}
}

func (n Number) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", n.Major, n.Minor, n.Patch, n.Build)
}

// Compare returns -1, 0 or 1 as n is older than, equal to or newer than other.
func (n Number) Compare(other Number) int {
	pairs := [4][2]uint32{
		{n.Major, other.Major},
		{n.Minor, other.Minor},
		{n.Patch, other.Patch},
		{n.Build, other.Build},
	}
	for _, p := range pairs {
		if p[0] > p[1] {
			return 1
		}
		if p[0] < p[1] {
			return -1
		}
	}
	return 0
}

// NewerOrEqual reports whether n >= other. When the device's current version
// is NewerOrEqual the candidate image, installing the candidate is a
// downgrade (or a reinstall when the versions are identical).
func (n Number) NewerOrEqual(other Number) bool {
	return n.Compare(other) >= 0
}

// Equal reports exact equality on all four components (the reinstall case).
func (n Number) Equal(other Number) bool {
	return n.Compare(other) == 0
}
