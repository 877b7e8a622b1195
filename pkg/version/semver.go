package version

import (
	"github.com/Masterminds/semver"
	"k8s.io/klog/v2"
)

// Change is the direction of a move between two operator versions.
type Change int

const (
	VersionUpgrade   Change = -1
	VersionSame      Change = 0
	VersionDowngrade Change = 1
	VersionUnknown   Change = 2
)

func (v Change) String() string {
	switch v {
	case VersionUpgrade:
		return "upgrade"
	case VersionSame:
		return "same"
	case VersionDowngrade:
		return "downgrade"
	case VersionUnknown:
		return "unknown"
	}
	klog.Warningf("unhandled version change %d", v)
	return "UNHANDLED"
}

// CompareVersions tells how moving from recorded to running changes the
// version. Versions that are not semver, such as build ids, are
// VersionUnknown unless they are equal.
func CompareVersions(recorded, running string) Change {
	if recorded == running {
		return VersionSame
	}
	from, err := semver.NewVersion(recorded)
	if err != nil {
		return VersionUnknown
	}
	to, err := semver.NewVersion(running)
	if err != nil {
		return VersionUnknown
	}
	return Change(from.Compare(to))
}
