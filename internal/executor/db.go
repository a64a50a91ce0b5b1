// Package executor manages injection profiles and the persistent mapping
// from instance index to profile, and applies profiles to fabricated
// clones through the external install/inject mechanism.
package executor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrProfileNotFound is returned when an operation references an executor
// profile that does not exist.
var ErrProfileNotFound = errors.New("executor profile not found")

// SourceKind classifies where a profile's install mechanism comes from.
type SourceKind string

const (
	SourceURL     SourceKind = "url"
	SourceScript  SourceKind = "script"
	SourceCommand SourceKind = "command"
)

// Profile is a named injection definition.
type Profile struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	SourceKind      SourceKind `db:"source_kind"`
	Source          string     `db:"source"`
	InstalledPath   string     `db:"installed_path"`
	PayloadLibsJson []byte     `db:"payload_libs"`
	PayloadLibs     []string   `db:"-"`
}

const executorSchema = `
CREATE TABLE IF NOT EXISTS executor_profile_v1 (
	id STRING PRIMARY KEY NOT NULL,
	name STRING NOT NULL,
	source_kind STRING NOT NULL,
	source STRING NOT NULL,
	installed_path STRING NOT NULL DEFAULT '',
	payload_libs JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS instance_assignment_v1 (
	instance_index INTEGER PRIMARY KEY NOT NULL,
	executor_id STRING
);
`

const getProfileV1Sql = `
SELECT id, name, source_kind, source, installed_path, payload_libs
FROM executor_profile_v1 WHERE id = $1;
`

const listProfilesV1Sql = `
SELECT id, name, source_kind, source, installed_path, payload_libs
FROM executor_profile_v1 ORDER BY name;
`

const upsertProfileV1Sql = `
INSERT INTO executor_profile_v1 (id, name, source_kind, source, installed_path, payload_libs)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	source_kind = excluded.source_kind,
	source = excluded.source,
	installed_path = excluded.installed_path,
	payload_libs = excluded.payload_libs;
`

const deleteProfileV1Sql = `
DELETE FROM executor_profile_v1 WHERE id = $1;
`

const getAssignmentsV1Sql = `
SELECT instance_index, executor_id FROM instance_assignment_v1;
`

const upsertAssignmentV1Sql = `
INSERT INTO instance_assignment_v1 (instance_index, executor_id)
VALUES ($1, $2)
ON CONFLICT(instance_index) DO UPDATE SET executor_id = excluded.executor_id;
`

const clearAssignmentV1Sql = `
DELETE FROM instance_assignment_v1 WHERE instance_index = $1;
`

const pruneAssignmentsV1Sql = `
DELETE FROM instance_assignment_v1 WHERE executor_id = $1;
`

// DBInit creates the executor tables.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(executorSchema)
	return err
}

func dbGetProfile(db *sqlx.DB, id string) (*Profile, error) {
	var p Profile
	err := db.Get(&p, getProfileV1Sql, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(p.PayloadLibsJson, &p.PayloadLibs); err != nil {
		return nil, err
	}
	return &p, nil
}

func dbListProfiles(db *sqlx.DB) ([]Profile, error) {
	var profiles []Profile
	if err := db.Select(&profiles, listProfilesV1Sql); err != nil {
		return nil, err
	}
	for i := range profiles {
		if err := json.Unmarshal(profiles[i].PayloadLibsJson, &profiles[i].PayloadLibs); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

func dbUpsertProfile(db *sqlx.DB, p *Profile) error {
	libsJson, err := json.Marshal(p.PayloadLibs)
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertProfileV1Sql, p.ID, p.Name, p.SourceKind, p.Source, p.InstalledPath, libsJson)
	return err
}

// dbDeleteProfile removes a profile and prunes every assignment that
// referenced it in the same transaction, so no assignment ever dangles.
func dbDeleteProfile(db *sqlx.DB, id string) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(pruneAssignmentsV1Sql, id); err != nil {
		return err
	}
	if _, err := tx.Exec(deleteProfileV1Sql, id); err != nil {
		return err
	}
	return tx.Commit()
}

type assignmentRow struct {
	InstanceIndex int            `db:"instance_index"`
	ExecutorID    sql.NullString `db:"executor_id"`
}

func dbGetAssignments(db *sqlx.DB) (map[int]string, error) {
	var rows []assignmentRow
	if err := db.Select(&rows, getAssignmentsV1Sql); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		if r.ExecutorID.Valid {
			out[r.InstanceIndex] = r.ExecutorID.String
		}
	}
	return out, nil
}

func dbSetAssignment(db *sqlx.DB, index int, executorID *string) error {
	if executorID == nil {
		_, err := db.Exec(clearAssignmentV1Sql, index)
		return err
	}
	if _, err := db.Exec(upsertAssignmentV1Sql, index, *executorID); err != nil {
		return fmt.Errorf("failed to store assignment for instance %d: %w", index, err)
	}
	return nil
}
