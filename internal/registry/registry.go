// Package registry implements the compile-time catalog of sources, streams,
// and ontology-bound transforms. Source packages call Register during
// startup and the registry is frozen before serving begins; after Freeze it
// is read-only for the remainder of the process.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// AuthType enumerates how a source authenticates.
type AuthType string

const (
	AuthOAuth2 AuthType = "oauth2"
	AuthDevice AuthType = "device"
	AuthAPIKey AuthType = "api_key"
	AuthNone   AuthType = "none"
)

// ConnectionPolicy constrains how many SourceConnections a source may have.
type ConnectionPolicy struct {
	SingleInstance bool
	PerTierLimit   map[string]int
}

// OAuthConfig is the static OAuth2 app configuration for a source.
// Present iff AuthType == AuthOAuth2.
type OAuthConfig struct {
	AuthorizeURL string
	TokenURL     string
	Scopes       []string
	RedirectPath string
}

// TransformFactory builds a TransformFunc for a given target ontology. It is
// a factory (not the transform itself) so per-deployment configuration
// (thresholds, filters) can be injected at startup.
type TransformFactory func() TransformFunc

// TransformFunc is the shape every transform implements. It is declared here
// rather than in internal/transform so registry stays a leaf package;
// internal/transform supplies the TransformContext implementation at run
// time.
type TransformFunc func(ctx context.Context, tc TransformContext) (Result, error)

// OntologyUpsert is one normalized row a transform hands to the runner for
// an idempotent upsert keyed on (source connection, external id).
type OntologyUpsert struct {
	Table      string
	ExternalID string
	Timestamp  *time.Time
	StartTime  *time.Time
	EndTime    *time.Time
	Fields     map[string]any
}

// OntologyQueryRow is the read-side view enrichment transforms consume when
// deriving one ontology from another.
type OntologyQueryRow struct {
	ID         string
	ExternalID string
	Timestamp  *time.Time
	StartTime  *time.Time
	EndTime    *time.Time
	Fields     map[string]any
}

// TransformContext is what a transform sees: the stream slice, the owning
// source connection, and upsert/query access to the ontology tables.
type TransformContext interface {
	Records() []map[string]any
	SourceConnectionID() string

	UpsertRow(ctx context.Context, row OntologyUpsert) error

	// QueryRows reads back ontology rows for the same source connection over
	// a time window. Used by enrichment transforms, which derive their input
	// from an already-written ontology table instead of the stream slice.
	QueryRows(ctx context.Context, table string, start, end time.Time) ([]OntologyQueryRow, error)
}

// Result is the outcome of running one transform.
type Result struct {
	RecordsWritten int
	RecordsFailed  int
}

// TransformBinding pairs one target ontology with its transform factory.
// Bindings are a slice, not a map: transforms execute in the order they are
// registered, and a map would lose that order.
type TransformBinding struct {
	Ontology string
	Factory  TransformFactory
}

// StreamDescriptor is the static catalog entry for one stream inside a source.
type StreamDescriptor struct {
	Name                string
	TableName           string
	TargetOntologies    []string
	ConfigSchema        map[string]any
	ExampleConfig       map[string]any
	SupportsIncremental bool
	SupportsFullRefresh bool
	// AdvanceOnPartial lets a stream advance its cursor on a partial sync
	// (some records failed validation). Streams without it keep the old
	// cursor so the failed slice is refetched next run.
	AdvanceOnPartial    bool
	Enabled             bool
	DefaultCronSchedule string // six-field: sec min hour dom mon dow, empty = no default schedule
	Transforms          []TransformBinding // applied in registration order

	// NewPull/NewPush construct the runtime stream instance. Exactly one must
	// be set; which one determines whether the stream is handled by the Sync
	// Executor (pull) or the ingest endpoint (push).
	NewPull PullConstructor
	NewPush PushConstructor
}

// PullConstructor and PushConstructor are supplied by each source package.
// They are declared here as `any`-returning func types and narrowed by
// internal/stream, again to avoid a dependency from registry onto stream.
type PullConstructor func() any
type PushConstructor func() any

// SourceDescriptor is the static catalog entry for one source.
type SourceDescriptor struct {
	Name             string
	DisplayName      string
	AuthType         AuthType
	OAuth            *OAuthConfig
	ConnectionPolicy *ConnectionPolicy
	Streams          []StreamDescriptor
}

var tableNamePattern = regexp.MustCompile(`^stream_[a-z0-9_]+_[a-z0-9_]+$`)

// Registry is the frozen, read-only catalog. Construct via New, populate via
// Register before the first call to Freeze/GetSource/ListSources, then treat
// as immutable for the remainder of the process.
type Registry struct {
	mu        sync.Mutex
	sources   map[string]SourceDescriptor
	order     []string
	ontology  map[string]struct{} // known ontology table names, for validation
	frozen    bool
}

// New creates an empty Registry. ontologyTables is the closed set of valid
// ontology target table names (e.g. "location_visit", "social_email") that
// stream transforms are allowed to reference.
func New(ontologyTables []string) *Registry {
	ont := make(map[string]struct{}, len(ontologyTables))
	for _, t := range ontologyTables {
		ont[t] = struct{}{}
	}
	return &Registry{
		sources:  make(map[string]SourceDescriptor),
		ontology: ont,
	}
}

// Register adds a SourceDescriptor to the catalog. Called from each source
// package's init() (or explicitly from main before Freeze). Panics on a
// structural violation — these are programmer errors caught at startup, not
// data the catalog should ever tolerate at runtime.
func (r *Registry) Register(src SourceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%q) called after Freeze", src.Name))
	}

	if err := validateSource(src, r.ontology); err != nil {
		panic(fmt.Sprintf("registry: invalid source %q: %v", src.Name, err))
	}

	if _, exists := r.sources[src.Name]; exists {
		panic(fmt.Sprintf("registry: duplicate source %q", src.Name))
	}

	r.sources[src.Name] = src
	r.order = append(r.order, src.Name)
}

// Freeze closes the registry to further Register calls. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// ListSources returns every registered SourceDescriptor, sorted by name.
func (r *Registry) ListSources() []SourceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)

	out := make([]SourceDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, r.sources[n])
	}
	return out
}

// GetSource looks up a source by name.
func (r *Registry) GetSource(name string) (SourceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[name]
	return s, ok
}

// GetStream looks up a stream within a source.
func (r *Registry) GetStream(source, stream string) (StreamDescriptor, bool) {
	s, ok := r.GetSource(source)
	if !ok {
		return StreamDescriptor{}, false
	}
	for _, st := range s.Streams {
		if st.Name == stream {
			return st, true
		}
	}
	return StreamDescriptor{}, false
}

// ListTransforms returns a stream's transform bindings in registration
// order.
func (r *Registry) ListTransforms(source, stream string) []TransformBinding {
	st, ok := r.GetStream(source, stream)
	if !ok {
		return nil
	}
	return st.Transforms
}

// validateSource enforces the load-time invariants: table_name pattern,
// transform targets exist, cron strings parse, OAuth config presence matches
// auth type, and at least one sync mode is supported per stream.
func validateSource(src SourceDescriptor, ontology map[string]struct{}) error {
	if src.Name == "" {
		return fmt.Errorf("source name must not be empty")
	}
	if src.Name != lower(src.Name) {
		return fmt.Errorf("source name %q must be lowercase", src.Name)
	}

	if (src.AuthType == AuthOAuth2) != (src.OAuth != nil) {
		return fmt.Errorf("oauth config must be present iff auth_type is oauth2")
	}

	seenStreams := make(map[string]struct{}, len(src.Streams))
	for _, st := range src.Streams {
		if _, dup := seenStreams[st.Name]; dup {
			return fmt.Errorf("duplicate stream %q", st.Name)
		}
		seenStreams[st.Name] = struct{}{}

		wantTable := "stream_" + src.Name + "_" + st.Name
		if st.TableName != wantTable {
			return fmt.Errorf("stream %q: table_name %q != expected %q", st.Name, st.TableName, wantTable)
		}
		if !tableNamePattern.MatchString(st.TableName) {
			return fmt.Errorf("stream %q: table_name %q does not match stream_{source}_{stream}", st.Name, st.TableName)
		}

		if !st.SupportsIncremental && !st.SupportsFullRefresh {
			return fmt.Errorf("stream %q: must support incremental or full refresh (or both)", st.Name)
		}

		seenTargets := make(map[string]struct{}, len(st.Transforms))
		for _, binding := range st.Transforms {
			if _, ok := ontology[binding.Ontology]; !ok {
				return fmt.Errorf("stream %q: transform targets unknown ontology %q", st.Name, binding.Ontology)
			}
			if _, dup := seenTargets[binding.Ontology]; dup {
				return fmt.Errorf("stream %q: duplicate transform for ontology %q", st.Name, binding.Ontology)
			}
			seenTargets[binding.Ontology] = struct{}{}
		}
		for _, target := range st.TargetOntologies {
			if _, ok := ontology[target]; !ok {
				return fmt.Errorf("stream %q: declares unknown target ontology %q", st.Name, target)
			}
		}

		if st.DefaultCronSchedule != "" {
			if _, err := sixFieldParser.Parse(st.DefaultCronSchedule); err != nil {
				return fmt.Errorf("stream %q: invalid cron schedule %q: %w", st.Name, st.DefaultCronSchedule, err)
			}
		}

		if (st.NewPull == nil) == (st.NewPush == nil) {
			return fmt.Errorf("stream %q: exactly one of NewPull/NewPush must be set", st.Name)
		}
	}

	return nil
}

// sixFieldParser validates six-field "sec min hour dom mon dow" cron
// strings. cron.ParseStandard is five-field, so a dedicated parser pins the
// seconds-first layout every schedule in this repository uses.
var sixFieldParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
