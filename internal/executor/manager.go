package executor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"multiblox/internal/tools"
)

// Environment variable contract for the external install/inject process.
const (
	envAction        = "ACTION"
	envInstallDir    = "EXECUTOR_INSTALL_DIR"
	envClonesDir     = "ROBLOX_CLONES_DIR"
	envInstanceIndex = "INSTANCE_INDEX"
)

// Manager owns executor profiles and instance assignments.
type Manager struct {
	db         *sqlx.DB
	installDir string
	clonesDir  string
	runner     tools.Runner
	logger     *slog.Logger
}

// NewManager creates a Manager and initializes its tables.
func NewManager(db *sqlx.DB, installDir, clonesDir string, runner tools.Runner, logger *slog.Logger) (*Manager, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize executor database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:         db,
		installDir: installDir,
		clonesDir:  clonesDir,
		runner:     runner,
		logger:     logger.With("component", "ExecutorManager"),
	}, nil
}

// Install creates or updates a profile and runs its install mechanism.
// After a successful install the profile's payload libraries are
// re-discovered from the install directory.
func (m *Manager) Install(ctx context.Context, name string, kind SourceKind, source string) (*Profile, error) {
	profile := &Profile{
		ID:         uuid.NewString(),
		Name:       name,
		SourceKind: kind,
		Source:     source,
	}

	// Re-install under the same ID if a profile with this name exists.
	existing, err := dbListProfiles(m.db)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Name == name {
			profile.ID = p.ID
			break
		}
	}

	installPath := filepath.Join(m.installDir, profile.ID)
	if err := os.MkdirAll(installPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install directory: %w", err)
	}

	env := []string{
		envAction + "=install",
		envInstallDir + "=" + installPath,
		envClonesDir + "=" + m.clonesDir,
	}
	cmdName, args := profile.installInvocation()
	res, err := m.runner.RunEnv(ctx, env, cmdName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run installer for %s: %w", name, err)
	}
	if !res.Ok() {
		return nil, res.StepError("executor install")
	}

	profile.InstalledPath = installPath
	profile.PayloadLibs = discoverPayloadLibs(installPath)

	if err := dbUpsertProfile(m.db, profile); err != nil {
		return nil, err
	}
	m.logger.Info("Executor profile installed", "name", name, "id", profile.ID, "libs", profile.PayloadLibs)
	return profile, nil
}

// Remove deletes a profile and clears every assignment referencing it.
func (m *Manager) Remove(id string) error {
	p, err := dbGetProfile(m.db, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if err := dbDeleteProfile(m.db, id); err != nil {
		return err
	}
	if p.InstalledPath != "" {
		if err := os.RemoveAll(p.InstalledPath); err != nil {
			m.logger.Warn("Failed to remove executor install directory", "id", id, "error", err)
		}
	}
	m.logger.Info("Executor profile removed", "name", p.Name, "id", id)
	return nil
}

// Profile returns a profile by id, or ErrProfileNotFound.
func (m *Manager) Profile(id string) (*Profile, error) {
	p, err := dbGetProfile(m.db, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, nil
}

// Profiles lists every profile ordered by name.
func (m *Manager) Profiles() ([]Profile, error) {
	return dbListProfiles(m.db)
}

// Assign maps an instance index to a profile, or clears the mapping when
// executorID is nil. Assigning a non-existent profile is rejected.
func (m *Manager) Assign(index int, executorID *string) error {
	if index < 1 {
		return fmt.Errorf("instance index must be >= 1, got %d", index)
	}
	if executorID != nil {
		p, err := dbGetProfile(m.db, *executorID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, *executorID)
		}
	}
	return dbSetAssignment(m.db, index, executorID)
}

// Assignments returns the instance index to executor-id mapping. Indices
// with no injection are absent.
func (m *Manager) Assignments() (map[int]string, error) {
	return dbGetAssignments(m.db)
}

// ApplyAll re-applies the assigned executor to every instance 1..total
// whose profile has an installed artifact. Injection is idempotent on the
// external mechanism's side, so this is safe to run on every
// instance-count change and after every profile install. A failed inject
// is logged and does not stop the batch.
func (m *Manager) ApplyAll(ctx context.Context, totalInstances int) error {
	assignments, err := dbGetAssignments(m.db)
	if err != nil {
		return err
	}

	for index := 1; index <= totalInstances; index++ {
		executorID, ok := assignments[index]
		if !ok {
			continue
		}
		profile, err := dbGetProfile(m.db, executorID)
		if err != nil {
			return err
		}
		if profile == nil || !profile.Installed() {
			m.logger.Warn("Skipping inject, profile has no installed artifact",
				"instance", index, "executorID", executorID)
			continue
		}
		m.inject(ctx, profile, index)
	}
	return nil
}

// ApplyOne re-applies the assigned executor to a single instance, if it
// has one with an installed artifact. Safe to call for unassigned
// indices.
func (m *Manager) ApplyOne(ctx context.Context, index int) error {
	assignments, err := dbGetAssignments(m.db)
	if err != nil {
		return err
	}
	executorID, ok := assignments[index]
	if !ok {
		return nil
	}
	profile, err := dbGetProfile(m.db, executorID)
	if err != nil {
		return err
	}
	if profile == nil || !profile.Installed() {
		m.logger.Warn("Skipping inject, profile has no installed artifact",
			"instance", index, "executorID", executorID)
		return nil
	}
	m.inject(ctx, profile, index)
	return nil
}

func (m *Manager) inject(ctx context.Context, profile *Profile, index int) {
	env := []string{
		envAction + "=inject",
		envInstallDir + "=" + profile.InstalledPath,
		envClonesDir + "=" + m.clonesDir,
		envInstanceIndex + "=" + strconv.Itoa(index),
	}
	cmdName, args := profile.installInvocation()
	res, err := m.runner.RunEnv(ctx, env, cmdName, args...)
	if err != nil {
		m.logger.Error("Failed to run inject", "profile", profile.Name, "instance", index, "error", err)
		return
	}
	if !res.Ok() {
		m.logger.Error("Inject exited non-zero",
			"profile", profile.Name, "instance", index,
			"exitCode", res.ExitCode, "stderr", res.Stderr)
		return
	}
	m.logger.Debug("Injected executor", "profile", profile.Name, "instance", index)
}

// Installed reports whether the profile's install artifact is resolvable.
func (p *Profile) Installed() bool {
	if p.InstalledPath == "" {
		return false
	}
	info, err := os.Stat(p.InstalledPath)
	return err == nil && info.IsDir()
}

// installInvocation maps the profile's source onto a command line. The
// mechanism itself is opaque; multiblox only supplies the environment
// contract and reads the exit code.
func (p *Profile) installInvocation() (string, []string) {
	switch p.SourceKind {
	case SourceScript:
		return "/bin/sh", []string{p.Source}
	case SourceURL:
		return "/bin/sh", []string{"-c", fmt.Sprintf("curl -fsSL %q | sh", p.Source)}
	default:
		return "/bin/sh", []string{"-c", p.Source}
	}
}

// discoverPayloadLibs walks an install directory for dynamic libraries
// and returns their paths relative to the directory, sorted by the walk's
// lexical order.
func discoverPayloadLibs(installPath string) []string {
	var libs []string
	filepath.WalkDir(installPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".dylib") {
			if rel, err := filepath.Rel(installPath, path); err == nil {
				libs = append(libs, rel)
			}
		}
		return nil
	})
	return libs
}
