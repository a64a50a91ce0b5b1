// Package clone fabricates identity-distinct, launchable copies of the
// reference application package and patches each copy so the OS treats it
// as its own application.
package clone

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

var (
	// ErrSourceUnavailable means no valid fabrication source exists for a
	// flavor. Fatal to that fabrication call only; no filesystem mutation
	// has occurred.
	ErrSourceUnavailable = errors.New("no valid fabrication source for flavor")

	// ErrPatchFailed means a manifest or binary mutation step failed.
	ErrPatchFailed = errors.New("clone patch failed")
)

// AppBundleName is the name every clone's application bundle carries
// inside its container directory.
const AppBundleName = "Roblox.app"

// Flavor names a variant of the reference package. Each flavor carries its
// own binary/manifest baseline and its clones never share sources with
// another flavor's.
type Flavor struct {
	// Name identifies the flavor ("clean", "opiumware", ...).
	Name string
	// BundleSuffix is appended to the base bundle identifier, ahead of the
	// instance index.
	BundleSuffix string
	// BaselineMarker is a path relative to the app bundle that is unique to
	// this flavor's baseline modification. Empty for the clean flavor.
	BaselineMarker string
	// PayloadLib is the file name of the dynamic library the flavor's
	// executable loads at launch, empty when the flavor needs none.
	PayloadLib string
	// ReferenceLibPath is the absolute load path the reference install
	// records for PayloadLib; rewritten to a relative path in every clone.
	ReferenceLibPath string
}

// NeedsPayload reports whether this flavor requires a payload library to
// be loadable from inside the clone.
func (f Flavor) NeedsPayload() bool { return f.PayloadLib != "" }

// InstanceClone describes one fabricated copy of the reference package.
type InstanceClone struct {
	Flavor           string
	InstanceIndex    int
	Path             string // container directory holding the app bundle
	BundleIdentifier string
	DisplayName      string
	IsPatched        bool
	ExecutableName   string
}

// AppPath returns the clone's application bundle directory.
func (c *InstanceClone) AppPath() string {
	return filepath.Join(c.Path, AppBundleName)
}

// ExecutablePath returns the clone's main executable, or "" when the
// executable name is unknown.
func (c *InstanceClone) ExecutablePath() string {
	if c.ExecutableName == "" {
		return ""
	}
	return filepath.Join(c.AppPath(), "Contents", "MacOS", c.ExecutableName)
}

// BundleIdentifierFor derives the unique identifier for a clone from the
// base identifier, the flavor's suffix and the instance index.
func BundleIdentifierFor(baseID string, flavor Flavor, index int) string {
	return baseID + "." + flavor.BundleSuffix + strconv.Itoa(index)
}

// DisplayNameFor derives the human-visible name for a clone.
func DisplayNameFor(flavor Flavor, index int) string {
	return fmt.Sprintf("Roblox %s %d", flavor.Name, index)
}

// ContainerDir returns the container directory for a (flavor, index) pair
// under the clones root.
func ContainerDir(clonesDir, flavorName string, index int) string {
	return filepath.Join(clonesDir, flavorName, strconv.Itoa(index))
}
