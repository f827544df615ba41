package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Dialects lists the goose dialects that ship hand-written SQL.
var Dialects = []string{"postgres", "mysql"}

var (
	migrationNameRe = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)
	unsafeNameRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

const versionLayout = "20060102150405"

// CreateSQLMigration writes an empty goose migration with the same version
// into every dialect directory under base and returns the created paths.
func CreateSQLMigration(base, name string) ([]string, error) {
	if base == "" {
		return nil, fmt.Errorf("migrations dir is required")
	}
	slug := strings.Trim(unsafeNameRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return nil, fmt.Errorf("migration name %q has no usable characters", name)
	}
	filename := time.Now().UTC().Format(versionLayout) + "_" + slug + ".sql"

	paths := make([]string, 0, len(Dialects))
	for _, dialect := range Dialects {
		dir := filepath.Join(base, dialect)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("create %s: %w", dir, err)
		}
		path := filepath.Join(dir, filename)
		body := fmt.Sprintf("-- +goose Up\n-- %s: %s\n\n-- +goose Down\n-- %s: revert %s\n", dialect, slug, dialect, slug)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return paths, fmt.Errorf("create %s: %w", path, err)
		}
		_, werr := f.WriteString(body)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return paths, fmt.Errorf("write %s: %w", path, werr)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ValidateDir checks one dialect directory: file names carry a unique
// 14-digit version and every file has goose Up and Down sections. It returns
// the migration file names in version order.
func ValidateDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	versions := make(map[string]string)
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".sql" {
			continue
		}
		m := migrationNameRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("%s: name must look like YYYYMMDDHHMMSS_snake_case.sql", name)
		}
		if other, dup := versions[m[1]]; dup {
			return nil, fmt.Errorf("version %s used by both %s and %s", m[1], other, name)
		}
		versions[m[1]] = name

		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(body), marker) {
				return nil, fmt.Errorf("%s: missing %q", name, marker)
			}
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// ValidateTree validates every dialect directory under base and requires
// them to hold the same migration files.
func ValidateTree(base string) error {
	var reference []string
	for i, dialect := range Dialects {
		names, err := ValidateDir(filepath.Join(base, dialect))
		if err != nil {
			return fmt.Errorf("%s: %w", dialect, err)
		}
		if i == 0 {
			reference = names
			continue
		}
		if !slices.Equal(reference, names) {
			return fmt.Errorf("%s migrations differ from %s", dialect, Dialects[0])
		}
	}
	return nil
}
