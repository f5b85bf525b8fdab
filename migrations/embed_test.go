package main

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fs := fstest.MapFS{}
	for name, content := range files {
		fs[name] = &fstest.MapFile{Data: []byte(content)}
	}

	return fs
}

func validPair(seq, name string) map[string]string {
	return map[string]string{
		seq + "_" + name + ".up.sql":   "CREATE TABLE " + name + " (id TEXT);",
		seq + "_" + name + ".down.sql": "DROP TABLE " + name + ";",
	}
}

func TestEmbeddedMigration_ListSortsAndFilters(t *testing.T) {
	fs := migrationFS(map[string]string{
		"002_second.up.sql":   "",
		"002_second.down.sql": "",
		"001_first.up.sql":    "",
		"001_first.down.sql":  "",
		"README.md":           "not a migration",
		"notes.sql":           "bad name, ignored",
	})

	files, err := NewEmbeddedMigration(fs).List()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"001_first.down.sql",
		"001_first.up.sql",
		"002_second.down.sql",
		"002_second.up.sql",
	}, files)
}

func TestEmbeddedMigration_ValidateAcceptsWellFormedSet(t *testing.T) {
	files := validPair("001", "first")
	for k, v := range validPair("002", "second") {
		files[k] = v
	}

	assert.NoError(t, NewEmbeddedMigration(migrationFS(files)).Validate())
}

func TestEmbeddedMigration_ValidateRejectsEmptySet(t *testing.T) {
	err := NewEmbeddedMigration(migrationFS(nil)).Validate()
	assert.ErrorContains(t, err, "no embedded migration files")
}

func TestEmbeddedMigration_ValidateRejectsOrphanedUp(t *testing.T) {
	fs := migrationFS(map[string]string{
		"001_first.up.sql": "CREATE TABLE first (id TEXT);",
	})

	err := NewEmbeddedMigration(fs).Validate()
	assert.ErrorContains(t, err, "missing down migration")
}

func TestEmbeddedMigration_ValidateRejectsOrphanedDown(t *testing.T) {
	files := validPair("001", "first")
	files["002_second.down.sql"] = "DROP TABLE second;"

	err := NewEmbeddedMigration(migrationFS(files)).Validate()
	assert.ErrorContains(t, err, "missing up migration")
}

func TestEmbeddedMigration_ValidateRejectsSequenceGap(t *testing.T) {
	files := validPair("001", "first")
	for k, v := range validPair("003", "third") {
		files[k] = v
	}

	err := NewEmbeddedMigration(migrationFS(files)).Validate()
	assert.ErrorContains(t, err, "gap in migration sequence")
}

func TestEmbeddedMigration_ValidateRejectsWrongStart(t *testing.T) {
	err := NewEmbeddedMigration(migrationFS(validPair("002", "second"))).Validate()
	assert.ErrorContains(t, err, "must start at 001")
}

func TestEmbeddedMigration_ValidateDetectsModifiedContent(t *testing.T) {
	fs := migrationFS(validPair("001", "first"))
	embedded := NewEmbeddedMigration(fs)

	require.NoError(t, embedded.Validate())

	fs["001_first.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE first;")}

	err := embedded.Validate()
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestEmbeddedMigration_ParseFilename(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(nil))

	info, err := embedded.parseFilename("004_create_event_records.up.sql")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Sequence)
	assert.Equal(t, "create_event_records", info.Name)
	assert.Equal(t, "up", info.Direction)

	_, err = embedded.parseFilename("create_event_records.sql")
	assert.ErrorContains(t, err, "invalid migration filename")
}

// The real embedded set compiled into this binary must always validate.
func TestEmbeddedMigration_CompiledInSetIsValid(t *testing.T) {
	embedded := NewEmbeddedMigration(nil)

	require.NoError(t, embedded.Validate())

	files, err := embedded.List()
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}
