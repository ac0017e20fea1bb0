// Package migrations carries the versioned schema migration files compiled
// into the binaries, plus the validation the migrator runs before applying
// them. Embedding keeps deployment zero-config: containers need no
// migrations directory on disk.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// FS holds every embedded migration file.
//
//go:embed *.sql
var FS embed.FS

// Info contains parsed information about a migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Migration filename standard: 001_migration_name.up.sql or
// 001_migration_name.down.sql. Anything else is rejected to prevent
// operational mistakes.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Parse extracts the sequence, name, and direction from a migration filename.
func Parse(filename string) (Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Info{}, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// List returns the embedded migration filenames in lexicographic order,
// which the zero-padded sequence prefix makes the application order.
func List() ([]string, error) {
	return ListFrom(FS)
}

// ListFrom returns the conforming migration filenames in fsys. Files that
// do not match the naming standard are skipped.
func ListFrom(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && filenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: every filename conforms, every
// up migration has its down pair, and the sequence starts at 001 with no
// gaps. SQL syntax is intentionally not checked; that is the database
// engine's job during execution.
func Validate() error {
	return ValidateFrom(FS)
}

// ValidateFrom runs the same checks over any migration file system.
func ValidateFrom(fsys fs.FS) error {
	files, err := ListFrom(fsys)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no migration files found")
	}

	for _, file := range files {
		if _, err := fs.ReadFile(fsys, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

// Latest returns the highest migration sequence in the embedded set.
func Latest() (uint, error) {
	files, err := List()
	if err != nil {
		return 0, err
	}

	var latest uint

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return 0, err
		}

		if seq := uint(info.Sequence); seq > latest {
			latest = seq
		}
	}

	return latest, nil
}

// Checksums returns the SHA-256 hash of each embedded migration file keyed
// by filename, for drift inspection of deployed binaries.
func Checksums() (map[string]string, error) {
	files, err := List()
	if err != nil {
		return nil, err
	}

	sums := make(map[string]string, len(files))

	for _, file := range files {
		content, err := fs.ReadFile(FS, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sums[file] = fmt.Sprintf("%x", sha256.Sum256(content))
	}

	return sums, nil
}

// validatePairing ensures that every up migration has a corresponding down
// migration and vice versa.
func validatePairing(files []string) error {
	pairs := make(map[string]map[string]Info)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]Info)
		}

		pairs[key][info.Direction] = info
	}

	for key, directions := range pairs {
		if _, hasUp := directions["up"]; !hasUp {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if _, hasDown := directions["down"]; !hasDown {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 and has no gaps.
func validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, sequences[i])
		}
	}

	return nil
}
