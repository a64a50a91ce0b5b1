package clone

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// SourceResolver locates a valid reference package for a flavor. The
// fallback order encodes an implicit trust chain: a dedicated base
// snapshot is trusted outright, an existing clone of the same flavor is
// trusted outright, and the OS-wide install is accepted only when the
// flavor's baseline marker check passes. There is no integrity
// verification beyond the marker's presence; that is a known limitation,
// not something to silently strengthen here.
type SourceResolver struct {
	referenceApp string // OS-wide install, e.g. /Applications/Roblox.app
	baseDir      string // per-flavor base snapshots
	clonesDir    string // fabricated clones
	allMarkers   []string
}

// NewSourceResolver creates a resolver. allMarkers lists the baseline
// markers of every registered flavor, used to reject a contaminated
// source when resolving a markerless ("clean") flavor.
func NewSourceResolver(referenceApp, baseDir, clonesDir string, allMarkers []string) *SourceResolver {
	return &SourceResolver{
		referenceApp: referenceApp,
		baseDir:      baseDir,
		clonesDir:    clonesDir,
		allMarkers:   allMarkers,
	}
}

// Resolve returns the app bundle path to copy from for the given flavor,
// or ErrSourceUnavailable when no source passes the flavor's check.
func (r *SourceResolver) Resolve(flavor Flavor) (string, error) {
	// Dedicated base snapshot for the flavor.
	base := filepath.Join(r.baseDir, flavor.Name, AppBundleName)
	if isAppBundle(base) {
		return base, nil
	}

	// Any existing clone of the same flavor; lowest index wins so repeated
	// resolution is stable.
	if existing := r.lowestClone(flavor.Name); existing != "" {
		return existing, nil
	}

	// OS-wide install, only when the baseline check passes.
	if isAppBundle(r.referenceApp) && r.baselineMatches(r.referenceApp, flavor) {
		return r.referenceApp, nil
	}

	return "", fmt.Errorf("%w: %s", ErrSourceUnavailable, flavor.Name)
}

func (r *SourceResolver) lowestClone(flavorName string) string {
	flavorDir := filepath.Join(r.clonesDir, flavorName)
	entries, err := os.ReadDir(flavorDir)
	if err != nil {
		return ""
	}
	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if idx, err := strconv.Atoi(e.Name()); err == nil && idx > 0 {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	for _, idx := range indices {
		app := filepath.Join(flavorDir, strconv.Itoa(idx), AppBundleName)
		if isAppBundle(app) {
			return app
		}
	}
	return ""
}

// baselineMatches verifies the flavor's marker inside an app bundle. A
// flavor with a marker requires it present; a markerless flavor requires
// every known marker absent, so a clean clone is never written from a
// baseline-modified source.
func (r *SourceResolver) baselineMatches(appPath string, flavor Flavor) bool {
	if flavor.BaselineMarker != "" {
		return pathExists(filepath.Join(appPath, flavor.BaselineMarker))
	}
	for _, marker := range r.allMarkers {
		if marker == "" {
			continue
		}
		if pathExists(filepath.Join(appPath, marker)) {
			return false
		}
	}
	return true
}

func isAppBundle(path string) bool {
	return pathExists(ManifestPath(path))
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
