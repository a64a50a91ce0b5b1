package clone

// BaseBundleIdentifier is the reference package's identifier from which
// every clone identifier is derived.
const BaseBundleIdentifier = "com.roblox.RobloxPlayer"

// DefaultFlavors returns the built-in flavor registry: the plain clean
// variant plus the injection baselines shipped by default.
func DefaultFlavors() []Flavor {
	return []Flavor{
		{
			Name:         "clean",
			BundleSuffix: "clean",
		},
		{
			Name:             "macsploit",
			BundleSuffix:     "ms",
			BaselineMarker:   "Contents/MacOS/libMacSploit.dylib",
			PayloadLib:       "libMacSploit.dylib",
			ReferenceLibPath: "/Applications/Roblox.app/Contents/MacOS/libMacSploit.dylib",
		},
		{
			Name:             "opiumware",
			BundleSuffix:     "ow",
			BaselineMarker:   "Contents/MacOS/libOpiumware.dylib",
			PayloadLib:       "libOpiumware.dylib",
			ReferenceLibPath: "/Applications/Roblox.app/Contents/MacOS/libOpiumware.dylib",
		},
	}
}

// MarkersOf lists the baseline markers of a flavor set, for source
// contamination checks.
func MarkersOf(flavors []Flavor) []string {
	markers := make([]string, 0, len(flavors))
	for _, f := range flavors {
		if f.BaselineMarker != "" {
			markers = append(markers, f.BaselineMarker)
		}
	}
	return markers
}
