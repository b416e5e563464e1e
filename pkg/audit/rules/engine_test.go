package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		match   bool
		vars    map[string]string
	}{
		{"/api/users/{id}", "/api/users/42", true, map[string]string{"id": "42"}},
		{"/api/users/{id}", "/api/users/42/roles", false, nil},
		{"/api/users/{id}", "/api/users", false, nil},
		{"/api/users/{id}/roles/{roleId}", "/api/users/7/roles/admin", true, map[string]string{"id": "7", "roleId": "admin"}},
		{"/api/*/list", "/api/menus/list", true, map[string]string{}},
		{"/api/*/list", "/api/a/b/list", false, nil},
		{"/api/users/**", "/api/users", true, map[string]string{}},
		{"/api/users/**", "/api/users/1/roles", true, map[string]string{}},
		{"/api/**/export", "/api/export", true, map[string]string{}},
		{"/api/**/export", "/api/users/roles/export", true, map[string]string{}},
		{"/api/files/{name}.json", "/api/files/report.json", true, map[string]string{"name": "report"}},
		{"/api/files/{name}.json", "/api/files/reportxjson", false, nil},
		{"/api/users/", "/api/users", true, map[string]string{}},
		{"/", "/", true, map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			c, err := compile(Rule{URLPattern: tt.pattern})
			require.NoError(t, err)
			vars, ok := c.match("GET", NormalizePath(tt.path), 200)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.vars, vars)
			}
		})
	}
}

func TestCompilePattern_Errors(t *testing.T) {
	tests := map[string]Rule{
		"empty":          {URLPattern: " "},
		"duplicate var":  {URLPattern: "/api/{id}/x/{id}"},
		"bad var":        {URLPattern: "/api/{1abc}"},
		"reserved var":   {URLPattern: "/api/{status}"},
		"unclosed brace": {URLPattern: "/api/{id"},
		"status regex":   {URLPattern: "/api", StatusCodeRegex: "2(("},
		"unknown kind":   {URLPattern: "/api", OperationType: "FROB"},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := compile(r)
			assert.Error(t, err)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/users", NormalizePath("/api/users/?page=2"))
	assert.Equal(t, "/api/users", NormalizePath("api//users#top"))
	assert.Equal(t, "/", NormalizePath(""))
}

func sampleRules() []Rule {
	return []Rule{
		{
			ID: 1, URLPattern: "/api/users/{id}", HTTPMethod: "PUT", ModuleName: "User Management",
			OperationGroup: "user", GroupDisplayName: "Users", OperationType: "update",
			DescriptionTemplate: "Updated user {id} via {method} ({status})",
			SourceTableTemplate: "sys_user", OrderValue: 10, Enabled: true,
		},
		{
			ID: 2, URLPattern: "/api/users/**", ModuleName: "Users (catch-all)",
			OperationType: "OTHER", OrderValue: 20, Enabled: true,
		},
		{
			ID: 3, URLPattern: "/api/users/{id}", ModuleName: "Disabled", OperationType: "DELETE",
			OrderValue: 0, Enabled: false,
		},
		{
			ID: 4, URLPattern: "/api/reports/{name}", StatusCodeRegex: `2\d\d`, ModuleName: "Reports",
			GroupDisplayName: "Report export", OperationType: "EXPORT",
			SourceTableTemplate: "report_{name}", OrderValue: 5, Enabled: true,
		},
	}
}

func newLoadedEngine(t *testing.T, rules []Rule, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(StaticSource(rules), opts...)
	require.NoError(t, e.Reload(context.Background()))
	return e
}

func TestEngine_Resolve(t *testing.T) {
	e := newLoadedEngine(t, sampleRules())
	assert.Equal(t, 3, e.Len())
	assert.False(t, e.LoadedAt().IsZero())

	desc, ok := e.Resolve(Event{Method: "put", Path: "/api/users/42/", Status: 200})
	require.True(t, ok)
	assert.Equal(t, int64(1), desc.RuleID)
	assert.Equal(t, audit.KindUpdate, desc.OperationKind)
	assert.Equal(t, "Updated user 42 via PUT (200)", desc.Summary)
	assert.Equal(t, "sys_user", desc.SourceTable)
	assert.True(t, desc.Matched)

	// method filter falls through to the catch-all
	desc, ok = e.Resolve(Event{Method: "GET", Path: "/api/users/42", Status: 200})
	require.True(t, ok)
	assert.Equal(t, int64(2), desc.RuleID)

	_, ok = e.Resolve(Event{Method: "GET", Path: "/api/menus", Status: 200})
	assert.False(t, ok)
}

func TestEngine_StatusRegex(t *testing.T) {
	e := newLoadedEngine(t, sampleRules())

	desc, ok := e.Resolve(Event{Method: "GET", Path: "/api/reports/daily", Status: 204})
	require.True(t, ok)
	assert.Equal(t, int64(4), desc.RuleID)
	assert.Equal(t, "report_daily", desc.SourceTable)
	assert.Equal(t, "Report export", desc.Summary)

	_, ok = e.Resolve(Event{Method: "GET", Path: "/api/reports/daily", Status: 500})
	assert.False(t, ok)

	_, ok = e.Resolve(Event{Method: "GET", Path: "/api/reports/daily", Status: 0})
	assert.False(t, ok)
}

func TestEngine_Ordering(t *testing.T) {
	e := newLoadedEngine(t, []Rule{
		{ID: 9, URLPattern: "/api/**", ModuleName: "late", OrderValue: 1, Enabled: true},
		{ID: 3, URLPattern: "/api/**", ModuleName: "tie-low-id", OrderValue: 1, Enabled: true},
		{ID: 1, URLPattern: "/api/**", ModuleName: "after", OrderValue: 2, Enabled: true},
	})

	desc, ok := e.Resolve(Event{Method: "GET", Path: "/api/x"})
	require.True(t, ok)
	assert.Equal(t, "tie-low-id", desc.ModuleName)

	ids := make([]int64, 0, 3)
	for _, r := range e.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{3, 9, 1}, ids)
}

type stubSource struct {
	ready bool
	err   error
	rules []Rule
}

func (s *stubSource) Ready(context.Context) (bool, error)      { return s.ready, nil }
func (s *stubSource) LoadRules(context.Context) ([]Rule, error) { return s.rules, s.err }

func TestEngine_ReloadKeepsSnapshotOnFailure(t *testing.T) {
	src := &stubSource{ready: true, rules: sampleRules()}
	e := NewEngine(src)
	ctx := context.Background()
	require.NoError(t, e.Reload(ctx))
	require.Equal(t, 3, e.Len())

	t.Run("compile error", func(t *testing.T) {
		src.rules = append(sampleRules(), Rule{ID: 99, URLPattern: "/api/{id}/{id}", Enabled: true})
		err := e.Reload(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rule 99")
		assert.Equal(t, 3, e.Len())
	})

	t.Run("load error", func(t *testing.T) {
		src.rules = nil
		src.err = errors.New("connection reset")
		assert.Error(t, e.Reload(ctx))
		assert.Equal(t, 3, e.Len())
		src.err = nil
	})

	t.Run("not ready", func(t *testing.T) {
		src.ready = false
		assert.ErrorIs(t, e.Reload(ctx), ErrNotReady)
		assert.Equal(t, 3, e.Len())
	})
}

func TestEngine_CacheIsPerSnapshot(t *testing.T) {
	src := &stubSource{ready: true, rules: []Rule{
		{ID: 1, URLPattern: "/api/menus", ModuleName: "Menus", Enabled: true},
	}}
	e := NewEngine(src, WithCacheSize(4))
	require.NoError(t, e.Reload(context.Background()))

	ev := Event{Method: "GET", Path: "/api/menus"}
	desc, ok := e.Resolve(ev)
	require.True(t, ok)
	assert.Equal(t, "Menus", desc.ModuleName)
	_, ok = e.Resolve(ev)
	require.True(t, ok)

	src.rules = []Rule{{ID: 1, URLPattern: "/api/menus", ModuleName: "Navigation", Enabled: true}}
	require.NoError(t, e.Reload(context.Background()))

	desc, ok = e.Resolve(ev)
	require.True(t, ok)
	assert.Equal(t, "Navigation", desc.ModuleName)
}

func TestEngine_ResolveWithFallback(t *testing.T) {
	e := newLoadedEngine(t, sampleRules())

	desc := e.ResolveWithFallback(Event{Method: "put", Path: "/api/users/1", Status: 200})
	assert.Equal(t, "User Management", desc.ModuleName)
	assert.Equal(t, audit.KindUpdate, desc.OperationKind)

	desc = e.ResolveWithFallback(Event{Method: "post", Path: "/api/menus?x=1", Status: 200})
	assert.False(t, desc.Matched)
	assert.Equal(t, "Other", desc.ModuleName)
	assert.Equal(t, audit.KindOther, desc.OperationKind)
	assert.Equal(t, "POST /api/menus", desc.Summary)

	desc = e.ResolveWithFallback(Event{
		Method: "POST", Path: "/api/menus", ModuleName: "Menus", OperationType: "create", Summary: "Created menu",
	})
	assert.Equal(t, "Menus", desc.ModuleName)
	assert.Equal(t, audit.KindCreate, desc.OperationKind)
	assert.Equal(t, "Created menu", desc.Summary)

	// catch-all rule has no template, summary comes from the event
	desc = e.ResolveWithFallback(Event{Method: "GET", Path: "/api/users/5/roles"})
	assert.True(t, desc.Matched)
	assert.Equal(t, "GET /api/users/5/roles", desc.Summary)
}

func TestEngine_ActiveRulesMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	newLoadedEngine(t, sampleRules(), WithMetrics(metrics), WithLogger(observability.NewNopLogger()))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ActiveRules))
}
