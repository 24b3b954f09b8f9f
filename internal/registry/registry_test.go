package registry

import "testing"

func pullCtor() any { return nil }

func validSource() SourceDescriptor {
	return SourceDescriptor{
		Name:        "acme",
		DisplayName: "Acme",
		AuthType:    AuthOAuth2,
		OAuth: &OAuthConfig{
			AuthorizeURL: "https://acme.example/authorize",
			TokenURL:     "https://acme.example/token",
			Scopes:       []string{"read"},
			RedirectPath: "/oauth/callback",
		},
		Streams: []StreamDescriptor{
			{
				Name:                "widgets",
				TableName:           "stream_acme_widgets",
				TargetOntologies:    []string{"calendar_event"},
				SupportsIncremental: true,
				Enabled:             true,
				DefaultCronSchedule: "0 */5 * * * *",
				NewPull:             pullCtor,
			},
		},
	}
}

func newTestRegistry() *Registry {
	return New([]string{"calendar_event", "location_visit"})
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	r.Register(validSource())
	r.Freeze()

	if _, ok := r.GetSource("acme"); !ok {
		t.Fatal("GetSource(acme) not found")
	}
	st, ok := r.GetStream("acme", "widgets")
	if !ok {
		t.Fatal("GetStream(acme, widgets) not found")
	}
	if st.TableName != "stream_acme_widgets" {
		t.Fatalf("TableName = %q", st.TableName)
	}
	if len(r.ListSources()) != 1 {
		t.Fatalf("ListSources = %d entries, want 1", len(r.ListSources()))
	}
}

func TestRegisterPanics(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SourceDescriptor)
	}{
		{"uppercase name", func(s *SourceDescriptor) { s.Name = "Acme" }},
		{"table name mismatch", func(s *SourceDescriptor) { s.Streams[0].TableName = "stream_other_widgets" }},
		{"no sync mode", func(s *SourceDescriptor) {
			s.Streams[0].SupportsIncremental = false
			s.Streams[0].SupportsFullRefresh = false
		}},
		{"unknown ontology target", func(s *SourceDescriptor) {
			s.Streams[0].Transforms = []TransformBinding{
				{Ontology: "no_such_table", Factory: func() TransformFunc { return nil }},
			}
		}},
		{"duplicate transform target", func(s *SourceDescriptor) {
			s.Streams[0].Transforms = []TransformBinding{
				{Ontology: "calendar_event", Factory: func() TransformFunc { return nil }},
				{Ontology: "calendar_event", Factory: func() TransformFunc { return nil }},
			}
		}},
		{"bad cron", func(s *SourceDescriptor) { s.Streams[0].DefaultCronSchedule = "not a cron" }},
		{"five-field cron", func(s *SourceDescriptor) { s.Streams[0].DefaultCronSchedule = "*/5 * * * *" }},
		{"oauth config without oauth2", func(s *SourceDescriptor) { s.AuthType = AuthAPIKey }},
		{"oauth2 without config", func(s *SourceDescriptor) { s.OAuth = nil }},
		{"both constructors", func(s *SourceDescriptor) { s.Streams[0].NewPush = pullCtor }},
		{"no constructor", func(s *SourceDescriptor) { s.Streams[0].NewPull = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: Register did not panic", tc.name)
				}
			}()
			src := validSource()
			tc.mutate(&src)
			newTestRegistry().Register(src)
		})
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := newTestRegistry()
	r.Freeze()

	defer func() {
		if recover() == nil {
			t.Fatal("Register after Freeze did not panic")
		}
	}()
	r.Register(validSource())
}

func TestDuplicateSourcePanics(t *testing.T) {
	r := newTestRegistry()
	r.Register(validSource())

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	r.Register(validSource())
}

func TestDefaultOntologiesAreInternallyConsistent(t *testing.T) {
	ont := NewOntologyRegistry(DefaultOntologies()...)

	for _, table := range ont.WithBoundaryShape() {
		d, ok := ont.Get(table)
		if !ok {
			t.Fatalf("table %q missing from registry", table)
		}
		if d.Fidelity < 0 || d.Fidelity > 1 {
			t.Errorf("%s: fidelity %v out of [0,1]", table, d.Fidelity)
		}
		if d.Weight < 0 || d.Weight > 100 {
			t.Errorf("%s: weight %v out of [0,100]", table, d.Weight)
		}
	}

	if got := ont.PrimaryFor(RoleWhere); len(got) != 1 || got[0] != "location_visit" {
		t.Fatalf("PrimaryFor(where) = %v, want [location_visit]", got)
	}
}
