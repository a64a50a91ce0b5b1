package clone

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManifestIdentityRoundTrip(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), AppBundleName)
	writeBundle(t, appPath)

	m, err := ReadManifest(appPath)
	if err != nil {
		t.Fatalf("ReadManifest returned error: %v", err)
	}
	m.SetIdentity("com.roblox.RobloxPlayer.clean2", "Roblox clean 2")
	m.AllowConcurrentInstances()
	m.StripURLHandlers()
	if err := m.Save(); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := ReadManifest(appPath)
	if err != nil {
		t.Fatalf("ReadManifest after save returned error: %v", err)
	}
	if got.BundleIdentifier() != "com.roblox.RobloxPlayer.clean2" {
		t.Errorf("BundleIdentifier = %q after round trip", got.BundleIdentifier())
	}
	if got.DisplayName() != "Roblox clean 2" {
		t.Errorf("DisplayName = %q after round trip", got.DisplayName())
	}
	if got.ExecutableName() != "RobloxPlayer" {
		t.Errorf("ExecutableName = %q, expected it untouched", got.ExecutableName())
	}
	if v, ok := got.dict[keyMultipleInstances].(bool); !ok || v {
		t.Errorf("LSMultipleInstancesProhibited = %v, want false", got.dict[keyMultipleInstances])
	}
	if _, ok := got.dict[keyBundleURLTypes]; ok {
		t.Error("URL handler declarations survived StripURLHandlers")
	}
}

func TestReadManifestMissingFile(t *testing.T) {
	if _, err := ReadManifest(filepath.Join(t.TempDir(), AppBundleName)); err == nil {
		t.Error("Expected an error for a missing manifest")
	}
}

func TestBundleIdentifierFor(t *testing.T) {
	tests := []struct {
		suffix string
		index  int
		want   string
	}{
		{"clean", 1, "com.roblox.RobloxPlayer.clean1"},
		{"clean", 2, "com.roblox.RobloxPlayer.clean2"},
		{"ms", 3, "com.roblox.RobloxPlayer.ms3"},
	}
	for _, tt := range tests {
		got := BundleIdentifierFor("com.roblox.RobloxPlayer", Flavor{BundleSuffix: tt.suffix}, tt.index)
		if got != tt.want {
			t.Errorf("BundleIdentifierFor(%q, %d) = %q, want %q", tt.suffix, tt.index, got, tt.want)
		}
	}
}

func TestFindExecutableDeclaredNameWins(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), AppBundleName)
	macos := filepath.Join(appPath, "Contents", "MacOS")
	if err := os.MkdirAll(macos, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(macos, "Aardvark"), []byte("x"), 0755)
	os.WriteFile(filepath.Join(macos, "RobloxPlayer"), []byte("x"), 0755)

	got, err := FindExecutable(appPath, "RobloxPlayer")
	if err != nil {
		t.Fatalf("FindExecutable returned error: %v", err)
	}
	if got != "RobloxPlayer" {
		t.Errorf("FindExecutable = %q, want declared RobloxPlayer", got)
	}
}

func TestFindExecutableFallbackIsDeterministic(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), AppBundleName)
	macos := filepath.Join(appPath, "Contents", "MacOS")
	if err := os.MkdirAll(macos, 0755); err != nil {
		t.Fatal(err)
	}
	// Only files with the execute bit qualify; ties break lexicographically.
	os.WriteFile(filepath.Join(macos, "aaa.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(macos, "zz-runner"), []byte("x"), 0755)
	os.WriteFile(filepath.Join(macos, "bb-runner"), []byte("x"), 0755)

	got, err := FindExecutable(appPath, "Missing")
	if err != nil {
		t.Fatalf("FindExecutable returned error: %v", err)
	}
	if got != "bb-runner" {
		t.Errorf("FindExecutable = %q, want bb-runner", got)
	}
}

func TestFindExecutableEmptyDir(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), AppBundleName)
	if err := os.MkdirAll(filepath.Join(appPath, "Contents", "MacOS"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := FindExecutable(appPath, ""); err == nil {
		t.Error("Expected an error when no executable exists")
	}
}
