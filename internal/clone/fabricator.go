package clone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"multiblox/internal/tools"
)

// Fabricator produces instance clones on demand. It sequences the
// external-tool pipeline (copy, quarantine strip, identity patch, payload
// patch, re-sign) and treats any non-zero tool exit as that step's fatal
// error, aborting the remaining steps for that clone only.
//
// Fabrication is serialized per (flavor, index); different instances may
// fabricate in parallel.
type Fabricator struct {
	clonesDir         string
	resolver          *SourceResolver
	patcher           *Patcher
	runner            tools.Runner
	logger            *slog.Logger
	flavors           map[string]Flavor
	payloadSearchDirs []string

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// FabricatorConfig holds construction options for a Fabricator.
type FabricatorConfig struct {
	ClonesDir         string
	Resolver          *SourceResolver
	Patcher           *Patcher
	Runner            tools.Runner
	Flavors           []Flavor
	PayloadSearchDirs []string
	Logger            *slog.Logger
}

// NewFabricator creates a Fabricator.
func NewFabricator(cfg FabricatorConfig) (*Fabricator, error) {
	if cfg.Resolver == nil || cfg.Patcher == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("resolver, patcher and runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flavors := make(map[string]Flavor, len(cfg.Flavors))
	for _, f := range cfg.Flavors {
		flavors[f.Name] = f
	}
	return &Fabricator{
		clonesDir:         cfg.ClonesDir,
		resolver:          cfg.Resolver,
		patcher:           cfg.Patcher,
		runner:            cfg.Runner,
		logger:            logger.With("component", "Fabricator"),
		flavors:           flavors,
		payloadSearchDirs: cfg.PayloadSearchDirs,
		inFlight:          make(map[string]*sync.Mutex),
	}, nil
}

// Flavor looks up a registered flavor by name.
func (f *Fabricator) Flavor(name string) (Flavor, bool) {
	fl, ok := f.flavors[name]
	return fl, ok
}

// EnsureClone returns the clone for (flavor, index), fabricating it when
// it does not exist yet. An existing clone is returned as-is; replacing
// one goes through RemoveClone or ResetClones first.
func (f *Fabricator) EnsureClone(ctx context.Context, flavorName string, index int) (*InstanceClone, error) {
	flavor, ok := f.flavors[flavorName]
	if !ok {
		return nil, fmt.Errorf("unknown flavor %q", flavorName)
	}
	if index < 1 {
		return nil, fmt.Errorf("instance index must be >= 1, got %d", index)
	}

	unlock := f.lockKey(flavorName, index)
	defer unlock()

	container := ContainerDir(f.clonesDir, flavorName, index)
	appPath := filepath.Join(container, AppBundleName)
	if isAppBundle(appPath) {
		return f.loadClone(flavor, index, container)
	}

	// Resolve the source before touching the filesystem so a missing
	// source leaves no trace.
	src, err := f.resolver.Resolve(flavor)
	if err != nil {
		return nil, err
	}

	clone, err := f.fabricate(ctx, flavor, index, src, container, appPath)
	if err != nil {
		// A half-built clone would violate the one-clone-per-pair
		// invariant on the next Ensure, so clear the container.
		os.RemoveAll(container)
		return nil, err
	}
	return clone, nil
}

func (f *Fabricator) fabricate(ctx context.Context, flavor Flavor, index int, src, container, appPath string) (*InstanceClone, error) {
	f.logger.Info("Fabricating clone", "flavor", flavor.Name, "index", index, "source", src)

	if err := os.MkdirAll(container, 0755); err != nil {
		return nil, fmt.Errorf("failed to create clone container: %w", err)
	}

	// Attribute-preserving recursive copy of the source bundle.
	res, err := f.runner.Run(ctx, "cp", "-Rp", src, appPath)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, res.StepError("source copy")
	}

	// Remove the download-provenance marker so the OS does not treat the
	// copy as untrusted.
	res, err = f.runner.Run(ctx, "xattr", "-dr", "com.apple.quarantine", appPath)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, res.StepError("quarantine strip")
	}

	execName, err := f.patcher.PatchIdentity(appPath, flavor, index)
	if err != nil {
		return nil, err
	}

	patched, err := f.patcher.PatchPayload(ctx, appPath, execName, flavor, f.payloadSearchDirs)
	if err != nil {
		return nil, err
	}

	// Re-sign last; every mutation above invalidates the signature.
	if err := f.patcher.Resign(ctx, appPath); err != nil {
		return nil, err
	}

	clone := &InstanceClone{
		Flavor:           flavor.Name,
		InstanceIndex:    index,
		Path:             container,
		BundleIdentifier: BundleIdentifierFor(f.patcher.baseBundleID, flavor, index),
		DisplayName:      DisplayNameFor(flavor, index),
		IsPatched:        patched,
		ExecutableName:   execName,
	}
	f.logger.Info("Clone fabricated", "flavor", flavor.Name, "index", index, "patched", patched)
	return clone, nil
}

// EnsureClones fabricates instances 1..desiredCount for a flavor. One bad
// clone does not abort the batch; per-clone errors are joined into the
// returned error alongside the clones that did succeed. Clones beyond
// desiredCount are never removed here.
func (f *Fabricator) EnsureClones(ctx context.Context, flavorName string, desiredCount int) ([]*InstanceClone, error) {
	var clones []*InstanceClone
	var errs []error
	for i := 1; i <= desiredCount; i++ {
		clone, err := f.EnsureClone(ctx, flavorName, i)
		if err != nil {
			f.logger.Error("Failed to fabricate clone", "flavor", flavorName, "index", i, "error", err)
			errs = append(errs, fmt.Errorf("instance %d: %w", i, err))
			continue
		}
		clones = append(clones, clone)
	}
	return clones, errors.Join(errs...)
}

// ResetClones deletes every existing clone of a flavor, then fabricates
// desiredCount fresh ones. This is the destructive variant of
// EnsureClones.
func (f *Fabricator) ResetClones(ctx context.Context, flavorName string, desiredCount int) ([]*InstanceClone, error) {
	if _, ok := f.flavors[flavorName]; !ok {
		return nil, fmt.Errorf("unknown flavor %q", flavorName)
	}
	if err := os.RemoveAll(filepath.Join(f.clonesDir, flavorName)); err != nil {
		return nil, fmt.Errorf("failed to remove existing clones: %w", err)
	}
	f.logger.Info("Removed existing clones", "flavor", flavorName)
	return f.EnsureClones(ctx, flavorName, desiredCount)
}

// LookupClone returns the existing clone for (flavor, index) without
// fabricating, or false when none exists on disk.
func (f *Fabricator) LookupClone(flavorName string, index int) (*InstanceClone, bool) {
	flavor, ok := f.flavors[flavorName]
	if !ok {
		return nil, false
	}
	container := ContainerDir(f.clonesDir, flavorName, index)
	if !isAppBundle(filepath.Join(container, AppBundleName)) {
		return nil, false
	}
	clone, err := f.loadClone(flavor, index, container)
	if err != nil {
		return nil, false
	}
	return clone, true
}

// ListClones returns the existing clones of a flavor in index order.
func (f *Fabricator) ListClones(flavorName string) []*InstanceClone {
	flavorDir := filepath.Join(f.clonesDir, flavorName)
	entries, err := os.ReadDir(flavorDir)
	if err != nil {
		return nil
	}
	var indices []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if idx, err := strconv.Atoi(e.Name()); err == nil && idx > 0 {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	var clones []*InstanceClone
	for _, idx := range indices {
		if c, ok := f.LookupClone(flavorName, idx); ok {
			clones = append(clones, c)
		}
	}
	return clones
}

// RemoveClone deletes the container directory for (flavor, index).
func (f *Fabricator) RemoveClone(flavorName string, index int) error {
	unlock := f.lockKey(flavorName, index)
	defer unlock()
	return os.RemoveAll(ContainerDir(f.clonesDir, flavorName, index))
}

func (f *Fabricator) loadClone(flavor Flavor, index int, container string) (*InstanceClone, error) {
	appPath := filepath.Join(container, AppBundleName)
	manifest, err := ReadManifest(appPath)
	if err != nil {
		return nil, err
	}
	execName, err := FindExecutable(appPath, manifest.ExecutableName())
	if err != nil {
		return nil, err
	}

	patched := true
	if flavor.NeedsPayload() {
		patched = pathExists(filepath.Join(appPath, "Contents", "MacOS", flavor.PayloadLib))
	}

	return &InstanceClone{
		Flavor:           flavor.Name,
		InstanceIndex:    index,
		Path:             container,
		BundleIdentifier: manifest.BundleIdentifier(),
		DisplayName:      manifest.DisplayName(),
		IsPatched:        patched,
		ExecutableName:   execName,
	}, nil
}

func (f *Fabricator) lockKey(flavorName string, index int) func() {
	key := flavorName + "/" + strconv.Itoa(index)
	f.mu.Lock()
	lock, ok := f.inFlight[key]
	if !ok {
		lock = &sync.Mutex{}
		f.inFlight[key] = lock
	}
	f.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
