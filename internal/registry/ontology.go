package registry

// NarrativeRole identifies one of the five narrative primitive fields that a
// substance query can answer for a synthesized segment.
type NarrativeRole string

const (
	RoleWho   NarrativeRole = "who"
	RoleWhere NarrativeRole = "where"
	RoleWhy   NarrativeRole = "why"
	RoleWhat  NarrativeRole = "what"
	RoleHow   NarrativeRole = "how"
)

// BoundaryShape selects which boundary-detection algorithm applies to an
// ontology table.
type BoundaryShape string

const (
	ShapeInterval   BoundaryShape = "interval"
	ShapeDiscrete   BoundaryShape = "discrete"
	ShapeContinuous BoundaryShape = "continuous"
	ShapeNone       BoundaryShape = "" // ontology contributes no boundaries, only substance
)

// OntologyDescriptor is the static catalog entry for one ontology table. It
// is distinct from StreamDescriptor.TargetOntologies (which only names
// tables) because it also carries the detector configuration and the
// narrative roles this ontology can answer as a primary source.
type OntologyDescriptor struct {
	Table string

	Shape BoundaryShape
	// Fidelity/Weight seed every boundary candidate the detector emits for
	// this ontology.
	Fidelity float64
	Weight   float64

	// IntervalMinDuration applies to ShapeInterval (e.g. visits >= 30m).
	IntervalMinDuration float64
	// DiscreteGapMinutes/DiscreteMinDurationS apply to ShapeDiscrete.
	DiscreteGapMinutes   float64
	DiscreteMinDurationS float64
	// ContinuousPenalty/ContinuousMinSegmentMinutes apply to ShapeContinuous.
	ContinuousPenalty            float64
	ContinuousMinSegmentMinutes  float64

	// PrimaryRoles lists the narrative roles for which this ontology is the
	// designated primary substance source.
	PrimaryRoles []NarrativeRole
}

// OntologyRegistry is the closed catalog of ontology tables consulted by the
// boundary detectors and the narrative synthesizer. It is separate from
// Registry (the source/stream catalog) because ontologies are shared across
// sources — many streams write into "location_point", for instance — and
// outlive any single source's lifecycle.
type OntologyRegistry struct {
	entries map[string]OntologyDescriptor
	order   []string
}

// NewOntologyRegistry builds a registry from the given descriptors. Panics on
// a duplicate table name (programmer error).
func NewOntologyRegistry(descs ...OntologyDescriptor) *OntologyRegistry {
	r := &OntologyRegistry{entries: make(map[string]OntologyDescriptor, len(descs))}
	for _, d := range descs {
		if _, dup := r.entries[d.Table]; dup {
			panic("registry: duplicate ontology table " + d.Table)
		}
		r.entries[d.Table] = d
		r.order = append(r.order, d.Table)
	}
	return r
}

// Tables returns every registered ontology table name.
func (r *OntologyRegistry) Tables() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up an ontology descriptor by table name.
func (r *OntologyRegistry) Get(table string) (OntologyDescriptor, bool) {
	d, ok := r.entries[table]
	return d, ok
}

// PrimaryFor returns the ontology tables that are registered as primary
// substance sources for the given narrative role, in registration order
// (first match wins when the synthesizer picks one primary source).
func (r *OntologyRegistry) PrimaryFor(role NarrativeRole) []string {
	var out []string
	for _, name := range r.order {
		d := r.entries[name]
		for _, rr := range d.PrimaryRoles {
			if rr == role {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// WithBoundaryShape returns ontology tables whose Shape is not ShapeNone, in
// registration order — the set the Boundary Aggregator iterates over.
func (r *OntologyRegistry) WithBoundaryShape() []string {
	var out []string
	for _, name := range r.order {
		if r.entries[name].Shape != ShapeNone {
			out = append(out, name)
		}
	}
	return out
}

// DefaultOntologies returns the built-in catalog across the health,
// location, social, calendar, activity, media, and finance domains.
func DefaultOntologies() []OntologyDescriptor {
	return []OntologyDescriptor{
		{
			Table:               "calendar_event",
			Shape:               ShapeInterval,
			Fidelity:            0.70,
			Weight:              80,
			IntervalMinDuration: 0,
			PrimaryRoles:        []NarrativeRole{RoleWho, RoleWhy},
		},
		{
			Table:               "location_visit",
			Shape:               ShapeInterval,
			Fidelity:            0.90,
			Weight:              100,
			IntervalMinDuration: 30,
			PrimaryRoles:        []NarrativeRole{RoleWhere},
		},
		{
			Table:    "location_point",
			Shape:    ShapeNone,
			Fidelity: 0,
			Weight:   0,
		},
		{
			Table:                "app_usage",
			Shape:                ShapeDiscrete,
			Fidelity:             0.55,
			Weight:               60,
			DiscreteGapMinutes:   10,
			DiscreteMinDurationS: 60,
			PrimaryRoles:         []NarrativeRole{RoleWhat},
		},
		{
			Table:                       "health_metric",
			Shape:                       ShapeContinuous,
			Fidelity:                    0.5,
			Weight:                      40,
			ContinuousPenalty:           3.0,
			ContinuousMinSegmentMinutes: 15,
			PrimaryRoles:                []NarrativeRole{RoleHow},
		},
		{
			Table:        "social_email",
			Shape:        ShapeNone,
			PrimaryRoles: []NarrativeRole{RoleWho},
		},
		{
			Table:                "activity_session",
			Shape:                ShapeDiscrete,
			Fidelity:             0.65,
			Weight:               70,
			DiscreteGapMinutes:   20,
			DiscreteMinDurationS: 300,
			PrimaryRoles:         []NarrativeRole{RoleHow},
		},
		{
			Table:                "media_play",
			Shape:                ShapeDiscrete,
			Fidelity:             0.45,
			Weight:               30,
			DiscreteGapMinutes:   30,
			DiscreteMinDurationS: 120,
		},
		{
			Table: "finance_transaction",
			Shape: ShapeNone,
		},
	}
}
