// Package migrate applies plugin-owned SQL migrations. Files live under
// <plugin_root>/<plugin>/migrations/NNN_<name>.sql with -- UP and -- DOWN
// sections; every run is recorded in the plugin_schema_migrations ledger.
// System tables use golang-migrate at startup; this engine exists for the
// per-plugin semantics the ledger needs: statuses, checksums, dry runs and
// keyed locking.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/models"
)

// migrationFileRe matches NNN_<snake_case_name>.sql.
var migrationFileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one discovered migration file, split into its sections.
type Migration struct {
	Version  int
	Name     string
	Path     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// Discover enumerates the plugin's migration directory and returns its
// migrations sorted ascending by version. A missing directory means the
// plugin simply has no migrations. Duplicate versions are a defect in the
// migration set and fail the whole operation.
func Discover(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapError(models.CodeInternalError, err, "reading migration directory %s", dir)
	}

	byVersion := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			if strings.HasSuffix(entry.Name(), ".sql") {
				log.Logger.Warn().Str("file", entry.Name()).
					Msg("Ignoring SQL file that does not match NNN_name.sql")
			}
			continue
		}

		version, err := strconv.Atoi(m[1])
		if err != nil || version < 1 {
			return nil, models.NewError(models.CodeValidationFailed,
				"invalid migration version in %s", entry.Name())
		}
		if prior, dup := byVersion[version]; dup {
			return nil, models.NewError(models.CodeValidationFailed,
				"duplicate migration version %d: %s and %s", version, prior, entry.Name())
		}
		byVersion[version] = entry.Name()

		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, models.WrapError(models.CodeInternalError, err, "reading %s", path)
		}

		up, down := splitSections(string(content))
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     m[2],
			Path:     path,
			UpSQL:    up,
			DownSQL:  down,
			Checksum: checksum(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// splitSections separates the -- UP and -- DOWN bodies. Marker lines are
// matched after trimming, case-insensitively; anything before the first
// marker (header comments) is discarded.
func splitSections(content string) (up, down string) {
	var upLines, downLines []string
	section := ""
	for _, line := range strings.Split(content, "\n") {
		switch trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r")); {
		case strings.EqualFold(trimmed, "-- UP"):
			section = "up"
		case strings.EqualFold(trimmed, "-- DOWN"):
			section = "down"
		default:
			switch section {
			case "up":
				upLines = append(upLines, line)
			case "down":
				downLines = append(downLines, line)
			}
		}
	}
	return strings.TrimSpace(strings.Join(upLines, "\n")),
		strings.TrimSpace(strings.Join(downLines, "\n"))
}

// checksum hashes the file content with line endings normalized, so a file
// checked out with CRLF verifies against one applied from LF.
func checksum(content []byte) string {
	normalized := strings.ReplaceAll(string(content), "\r\n", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// label renders the canonical NNN_name form used in logs and messages.
func (m Migration) label() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}
