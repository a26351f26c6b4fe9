package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/lakeflow/internal/assets/schemas"
	"github.com/3leaps/lakeflow/pkg/dispatch"
	"github.com/3leaps/lakeflow/pkg/match"
	recordschema "github.com/3leaps/lakeflow/pkg/schema"
	"github.com/3leaps/lakeflow/pkg/transfer"
)

// SchemaID is the schema identifier for pipeline manifests.
const SchemaID = "lakeflow/v1.0.0/pipeline-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema or semantic
	// validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// idPattern matches source and task ids. It is the schema's id pattern, kept
// here for ids that arrive at run time from a lookup.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidID reports whether id can name a source or task. Valid ids are safe
// as a single path segment.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/sources/0/source_id").
	Path string

	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate runs the schema check on the struct form and then the semantic
// checks.
//
// The struct form loses unknown fields; Load validates the raw input
// instead.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return ValidateSemantics(m)
}

// ValidateRaw checks raw JSON data against the embedded manifest schema,
// including rejection of unknown fields.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateSemantics checks what a schema cannot express: id uniqueness,
// references between sections, DAG acyclicity, tolerance bounds, and that
// patterns, hints and templates compile. All issues are reported together.
func ValidateSemantics(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if err := m.Run.Tolerance.Validate(); err != nil {
		add("/run/tolerance", "%v", err)
	}
	for _, d := range []struct{ path, value string }{
		{"/run/retry/initial_interval", m.Run.Retry.InitialInterval},
		{"/run/retry/max_interval", m.Run.Retry.MaxInterval},
		{"/run/systemic/window", m.Run.Systemic.Window},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			add(d.path, "invalid duration %q", d.value)
		}
	}

	ids := make(map[string]int, len(m.Sources))
	for i, s := range m.Sources {
		path := fmt.Sprintf("/sources/%d", i)
		if s.SourceID == "" {
			add(path+"/source_id", "source_id is required")
			continue
		}
		if prev, dup := ids[s.SourceID]; dup {
			add(path+"/source_id", "duplicate source_id %q (also /sources/%d)", s.SourceID, prev)
		} else {
			ids[s.SourceID] = i
		}
		if _, err := match.New(match.Config{Prefix: s.SourcePrefix, Includes: s.Includes, Excludes: s.Excludes}); err != nil {
			add(path, "invalid patterns: %v", err)
		}
		if s.SchemaHint != "" {
			if _, err := recordschema.Parse(s.SchemaHint); err != nil {
				add(path+"/schema_hint", "%v", err)
			}
		}
	}

	// Tiering reports unknown, self and cyclic dependencies. Skip it when
	// ids are already broken so the message is about the real problem.
	if len(ids) == len(m.Sources) {
		if _, err := dispatch.Tiers(m.Sources); err != nil {
			add("/sources", "%v", err)
		}
	}

	if err := m.TransferConfig().Validate(); err != nil {
		add("/transfer", "%v", err)
	}

	tasks := make(map[string]struct{}, len(m.Transform.Tasks))
	for i, t := range m.Transform.Tasks {
		path := fmt.Sprintf("/transform/tasks/%d", i)
		if _, dup := tasks[t.ID]; dup {
			add(path+"/task_id", "duplicate task_id %q", t.ID)
		}
		tasks[t.ID] = struct{}{}
		if _, ok := ids[t.SourceID]; !ok {
			add(path+"/source_id", "unknown source_id %q", t.SourceID)
		}
		if err := t.Parameters.Validate(); err != nil {
			add(path+"/parameters", "%v", err)
		}
	}
	if m.Transform.Lookup != nil && len(m.Transform.Tasks) > 0 {
		add("/transform", "tasks and lookup are mutually exclusive")
	}

	if m.Checkpoint.Backend == "postgres" && m.Checkpoint.DSNEnv == "" {
		add("/checkpoint/dsn_env", "postgres backend needs dsn_env")
	}
	for _, c := range []struct {
		path string
		conn *ConnectionConfig
	}{{"/source_store", &m.SourceStore}, {"/lake_store", m.LakeStore}} {
		if c.conn == nil {
			continue
		}
		if err := c.conn.validate(); err != nil {
			add(c.path, "%v", err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (c *ConnectionConfig) validate() error {
	switch c.Provider {
	case "s3":
		if c.Bucket == "" {
			return errors.New("s3 needs a bucket")
		}
	case "minio":
		if c.Bucket == "" || c.Endpoint == "" {
			return errors.New("minio needs an endpoint and a bucket")
		}
	case "file":
		if c.BaseDir == "" {
			return errors.New("file needs base_dir")
		}
	}
	if (c.AccessKeyEnv == "") != (c.SecretKeyEnv == "") {
		return errors.New("access_key_env and secret_key_env go together")
	}
	return nil
}

// TransferConfig converts the manifest section.
func (m *Manifest) TransferConfig() transfer.Config {
	return transfer.Config{
		Concurrency:               m.Transfer.Concurrency,
		OnExists:                  m.Transfer.OnExists,
		Dedup:                     m.Transfer.Dedup,
		Mode:                      m.Transfer.Mode,
		PathTemplate:              m.Transfer.PathTemplate,
		RetryBufferMaxMemoryBytes: m.Transfer.RetryBufferMaxMemoryBytes,
	}
}

// getValidator returns a cached validator compiled from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.PipelineManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded pipeline-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.PipelineManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
