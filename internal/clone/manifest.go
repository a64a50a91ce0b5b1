package clone

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

const (
	keyBundleIdentifier   = "CFBundleIdentifier"
	keyBundleDisplayName  = "CFBundleDisplayName"
	keyBundleName         = "CFBundleName"
	keyBundleExecutable   = "CFBundleExecutable"
	keyBundleURLTypes     = "CFBundleURLTypes"
	keyMultipleInstances  = "LSMultipleInstancesProhibited"
)

// Manifest is an application bundle's property-list manifest, loaded into
// memory for mutation and written back in place.
type Manifest struct {
	path string
	dict map[string]interface{}
}

// ManifestPath returns the manifest location inside an app bundle.
func ManifestPath(appPath string) string {
	return filepath.Join(appPath, "Contents", "Info.plist")
}

// ReadManifest loads the manifest of the app bundle at appPath. Both XML
// and binary property lists are accepted.
func ReadManifest(appPath string) (*Manifest, error) {
	path := ManifestPath(appPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	dict := make(map[string]interface{})
	if _, err := plist.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &Manifest{path: path, dict: dict}, nil
}

// Save writes the manifest back to its original location as XML.
func (m *Manifest) Save() error {
	data, err := plist.MarshalIndent(m.dict, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", m.path, err)
	}
	return nil
}

// BundleIdentifier returns the manifest's identifier, or "".
func (m *Manifest) BundleIdentifier() string {
	return m.stringValue(keyBundleIdentifier)
}

// ExecutableName returns the declared main executable, or "".
func (m *Manifest) ExecutableName() string {
	return m.stringValue(keyBundleExecutable)
}

// DisplayName returns the declared display name, or "".
func (m *Manifest) DisplayName() string {
	return m.stringValue(keyBundleDisplayName)
}

// SetIdentity rewrites the identifier and visible names.
func (m *Manifest) SetIdentity(bundleID, displayName string) {
	m.dict[keyBundleIdentifier] = bundleID
	m.dict[keyBundleDisplayName] = displayName
	m.dict[keyBundleName] = displayName
}

// AllowConcurrentInstances clears the single-instance restriction the
// reference package declares.
func (m *Manifest) AllowConcurrentInstances() {
	m.dict[keyMultipleInstances] = false
}

// StripURLHandlers removes every declared custom URL scheme so invoking
// the reference scheme never resolves to a clone.
func (m *Manifest) StripURLHandlers() {
	delete(m.dict, keyBundleURLTypes)
}

func (m *Manifest) stringValue(key string) string {
	if v, ok := m.dict[key].(string); ok {
		return v
	}
	return ""
}
