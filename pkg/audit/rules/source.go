package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/auditledger/pkg/async"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Source supplies mapping rules. Ready lets the engine skip a reload while
// the backing store is still being provisioned.
type Source interface {
	Ready(ctx context.Context) (bool, error)
	LoadRules(ctx context.Context) ([]Rule, error)
}

// StaticSource serves a fixed rule list
type StaticSource []Rule

func (s StaticSource) Ready(context.Context) (bool, error) { return true, nil }

func (s StaticSource) LoadRules(context.Context) ([]Rule, error) {
	return append([]Rule(nil), s...), nil
}

type fileRule struct {
	Rule    `yaml:",inline"`
	Enabled *bool `yaml:"enabled"`
}

type fileFormat struct {
	Rules []fileRule `yaml:"rules"`
}

// ParseYAML decodes a `rules:` document. Rules are enabled unless they say
// otherwise.
func ParseYAML(data []byte) ([]Rule, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	out := make([]Rule, 0, len(doc.Rules))
	for i, fr := range doc.Rules {
		r := fr.Rule
		r.Enabled = fr.Enabled == nil || *fr.Enabled
		if r.ID == 0 {
			r.ID = int64(i + 1)
		}
		out = append(out, r)
	}
	return out, nil
}

// FileSource reads rules from a YAML file
type FileSource struct {
	path   string
	logger *observability.Logger
}

// NewFileSource creates a source for path
func NewFileSource(path string, logger *observability.Logger) *FileSource {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &FileSource{path: path, logger: logger.WithField("rules_file", path)}
}

// Ready reports whether the file exists
func (s *FileSource) Ready(context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat rules file: %w", err)
	}
	return true, nil
}

func (s *FileSource) LoadRules(context.Context) ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseYAML(data)
}

// Watch calls onChange whenever the file is written, created or replaced,
// until ctx is done
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	async.SafeGo(ctx, 0, "rules watcher", s.logger, func(ctx context.Context) error {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				s.logger.WithError(err).Warn("rules watcher error")
			}
		}
	})
	return nil
}

const mappingTable = "audit_operation_mappings"

// SQLSource reads rules from the audit_operation_mappings table
type SQLSource struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLSource creates a database-backed source
func NewSQLSource(db *sql.DB, dialect store.Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect}
}

// Ready reports whether the mapping table exists
func (s *SQLSource) Ready(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.TableExistsQuery(), mappingTable).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", mappingTable, err)
	}
	return n > 0, nil
}

func (s *SQLSource) LoadRules(ctx context.Context) ([]Rule, error) {
	query := `SELECT id, url_pattern, http_method, status_code_regex, module_name,
		operation_group, group_display_name, operation_type, description_template,
		source_table_template, order_value, enabled
		FROM audit_operation_mappings
		WHERE enabled = ` + s.dialect.True() + `
		ORDER BY order_value, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(
			&r.ID, &r.URLPattern, &r.HTTPMethod, &r.StatusCodeRegex, &r.ModuleName,
			&r.OperationGroup, &r.GroupDisplayName, &r.OperationType, &r.DescriptionTemplate,
			&r.SourceTableTemplate, &r.OrderValue, &r.Enabled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return out, nil
}

// Insert stores a rule and returns its id. It backs seeding and the admin
// tooling; the engine itself only reads.
func (s *SQLSource) Insert(ctx context.Context, r Rule) (int64, error) {
	ph := make([]any, 11)
	for i := range ph {
		ph[i] = s.dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf(`INSERT INTO audit_operation_mappings (url_pattern, http_method,
		status_code_regex, module_name, operation_group, group_display_name, operation_type,
		description_template, source_table_template, order_value, enabled)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s) RETURNING id`, ph...)

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		r.URLPattern, r.HTTPMethod, r.StatusCodeRegex, r.ModuleName, r.OperationGroup,
		r.GroupDisplayName, r.OperationType, r.DescriptionTemplate, r.SourceTableTemplate,
		r.OrderValue, r.Enabled,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	return id, nil
}
