package clone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"multiblox/internal/tools"
)

// Patcher rewrites a clone's manifest and executable so the OS treats the
// copy as a distinct application and so flavor payload libraries resolve
// from inside the clone. Binary-level rewrites go through external tools;
// the manifest is edited in place.
type Patcher struct {
	baseBundleID string
	runner       tools.Runner
	logger       *slog.Logger
}

// NewPatcher creates a Patcher. baseBundleID is the reference package's
// identifier from which clone identifiers are derived.
func NewPatcher(baseBundleID string, runner tools.Runner, logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		baseBundleID: baseBundleID,
		runner:       runner,
		logger:       logger.With("component", "Patcher"),
	}
}

// PatchIdentity rewrites the manifest of the app bundle at appPath with a
// unique identity for (flavor, index) and ensures the main executable is
// runnable. Returns the executable name that was made runnable.
func (p *Patcher) PatchIdentity(appPath string, flavor Flavor, index int) (string, error) {
	manifest, err := ReadManifest(appPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}

	manifest.SetIdentity(
		BundleIdentifierFor(p.baseBundleID, flavor, index),
		DisplayNameFor(flavor, index),
	)
	manifest.AllowConcurrentInstances()
	manifest.StripURLHandlers()

	if err := manifest.Save(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}

	execName, err := FindExecutable(appPath, manifest.ExecutableName())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	execPath := filepath.Join(appPath, "Contents", "MacOS", execName)
	if err := os.Chmod(execPath, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to mark %s runnable: %v", ErrPatchFailed, execName, err)
	}

	p.logger.Debug("Patched clone identity", "app", appPath, "flavor", flavor.Name, "index", index)
	return execName, nil
}

// PatchPayload copies the flavor's payload library next to the executable
// and rewrites the executable's recorded load path from the absolute
// reference-install location to a path relative to the executable. The
// clone lives somewhere the reference path does not exist, so without the
// rewrite the load fails at launch.
//
// Returns false when the payload library cannot be located; the clone is
// then left usable as a plain, uninjected instance.
func (p *Patcher) PatchPayload(ctx context.Context, appPath, execName string, flavor Flavor, payloadSearchDirs []string) (bool, error) {
	if !flavor.NeedsPayload() {
		return true, nil
	}

	src := findPayloadLib(flavor.PayloadLib, payloadSearchDirs)
	if src == "" {
		p.logger.Warn("Payload library not found, leaving clone unpatched",
			"flavor", flavor.Name, "lib", flavor.PayloadLib)
		return false, nil
	}

	execDir := filepath.Join(appPath, "Contents", "MacOS")
	dst := filepath.Join(execDir, flavor.PayloadLib)
	if err := copyFile(src, dst); err != nil {
		return false, fmt.Errorf("%w: failed to place payload library: %v", ErrPatchFailed, err)
	}

	execPath := filepath.Join(execDir, execName)
	newLoadPath := "@executable_path/" + flavor.PayloadLib
	res, err := p.runner.Run(ctx, "install_name_tool",
		"-change", flavor.ReferenceLibPath, newLoadPath, execPath)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	if !res.Ok() {
		return false, fmt.Errorf("%w: %v", ErrPatchFailed, res.StepError("load-path rewrite"))
	}

	p.logger.Debug("Rewrote payload load path", "app", appPath, "lib", flavor.PayloadLib)
	return true, nil
}

// Resign applies an ad-hoc signature to the bundle. Must run after every
// manifest or binary mutation; earlier mutations invalidate the signature.
func (p *Patcher) Resign(ctx context.Context, appPath string) error {
	res, err := p.runner.Run(ctx, "codesign", "--force", "--deep", "--sign", "-", appPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	if !res.Ok() {
		return fmt.Errorf("%w: %v", ErrPatchFailed, res.StepError("re-sign"))
	}
	return nil
}

// FindExecutable resolves the main executable inside an app bundle. The
// manifest-declared name wins when the file exists; otherwise the first
// executable-bit file in Contents/MacOS in lexicographic order is used,
// keeping discovery deterministic across filesystems.
func FindExecutable(appPath, declaredName string) (string, error) {
	macosDir := filepath.Join(appPath, "Contents", "MacOS")
	if declaredName != "" {
		if info, err := os.Stat(filepath.Join(macosDir, declaredName)); err == nil && !info.IsDir() {
			return declaredName, nil
		}
	}

	entries, err := os.ReadDir(macosDir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", macosDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0111 != 0 {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no executable file in %s", macosDir)
	}
	sort.Strings(names)
	return names[0], nil
}

func findPayloadLib(libName string, searchDirs []string) string {
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, libName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
