package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/registry"
)

func TestLoad(t *testing.T) {
	reg, err := registry.Load("testdata/services.yaml")
	require.NoError(t, err)

	api, ok := reg.Lookup("api")
	require.True(t, ok)
	assert.Equal(t, 2, api.Tier)
	assert.Equal(t, "services/api", api.Source)
	assert.Equal(t, []string{"db-proxy"}, api.DependsOn)
	assert.Equal(t, "512Mi", api.Resources.Memory)
	assert.Equal(t, 3, api.Resources.MaxInstances)
	assert.Equal(t, "debug", api.Env["LOG_LEVEL"])
	assert.Equal(t, registry.ProtocolHTTP, api.Protocol)

	proxy, ok := reg.Lookup("db-proxy")
	require.True(t, ok)
	assert.Equal(t, registry.ProtocolGRPC, proxy.Protocol)
	assert.Empty(t, proxy.HealthPath)

	worker, ok := reg.Lookup("worker")
	require.True(t, ok)
	assert.Equal(t, "worker", worker.Source)
	assert.Equal(t, 8080, worker.Port)
	assert.Equal(t, "/healthz", worker.HealthPath)

	_, ok = reg.Lookup("nope")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := registry.Load("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestByTier(t *testing.T) {
	reg, err := registry.Load("testdata/services.yaml")
	require.NoError(t, err)

	plan := reg.ByTier()
	require.Len(t, plan, 3)
	assert.Equal(t, 1, plan[0].Number)
	assert.Equal(t, []string{"db-proxy"}, plan[0].Names())
	assert.Equal(t, 2, plan[1].Number)
	assert.Equal(t, []string{"api", "worker"}, plan[1].Names())
	assert.Equal(t, []string{"frontend"}, plan[2].Names())

	tier, ok := reg.Tier(2)
	require.True(t, ok)
	assert.Equal(t, plan[1], tier)

	_, ok = reg.Tier(7)
	assert.False(t, ok)

	names := make([]string, 0)
	for _, svc := range reg.List() {
		names = append(names, svc.Name)
	}
	assert.Equal(t, []string{"db-proxy", "api", "worker", "frontend"}, names)
}

func TestServicesAreCopies(t *testing.T) {
	services := []registry.Service{
		{Name: "db", Tier: 1, Platform: "kubernetes"},
		{Name: "api", Tier: 2, Platform: "kubernetes", DependsOn: []string{"db"}, Env: map[string]string{"LOG_LEVEL": "info"}},
	}
	reg, err := registry.New(services)
	require.NoError(t, err)

	services[1].DependsOn[0] = "changed"
	services[1].Env["LOG_LEVEL"] = "changed"

	svc, ok := reg.Lookup("api")
	require.True(t, ok)
	svc.DependsOn[0] = "changed"
	svc.Env["LOG_LEVEL"] = "changed"

	listed := reg.List()
	listed[1].DependsOn[0] = "changed"
	listed[1].Env["INJECTED"] = "yes"

	reg.ByTier()[1].Services[0].Env["LOG_LEVEL"] = "changed"

	svc, ok = reg.Lookup("api")
	require.True(t, ok)
	assert.Equal(t, []string{"db"}, svc.DependsOn)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "info"}, svc.Env)
}

func TestNonContiguousTiers(t *testing.T) {
	reg, err := registry.New([]registry.Service{
		{Name: "b", Tier: 5, Platform: "kubernetes"},
		{Name: "a", Tier: 2, Platform: "kubernetes"},
	})
	require.NoError(t, err)

	plan := reg.ByTier()
	require.Len(t, plan, 2)
	assert.Equal(t, 2, plan[0].Number)
	assert.Equal(t, 5, plan[1].Number)
}

func TestEmptyRegistry(t *testing.T) {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	assert.Empty(t, reg.ByTier())
	assert.Empty(t, reg.List())
}

func TestValidation(t *testing.T) {
	svc := func(name string, tier int, deps ...string) registry.Service {
		return registry.Service{Name: name, Tier: tier, Platform: "kubernetes", DependsOn: deps}
	}

	for _, tt := range []struct {
		name     string
		services []registry.Service
		service  string
	}{
		{"duplicate name", []registry.Service{svc("a", 1), svc("a", 2)}, "a"},
		{"tier zero", []registry.Service{svc("a", 0)}, "a"},
		{"unknown dependency", []registry.Service{svc("a", 2, "ghost")}, "a"},
		{"dependency in same tier", []registry.Service{svc("a", 1), svc("b", 1, "a")}, "b"},
		{"dependency in higher tier", []registry.Service{svc("a", 2), svc("b", 1, "a")}, "b"},
		{"self dependency", []registry.Service{svc("a", 1, "a")}, "a"},
		{"missing platform", []registry.Service{{Name: "a", Tier: 1}}, "a"},
		{"bad protocol", []registry.Service{{Name: "a", Tier: 1, Platform: "kubernetes", Protocol: "ftp"}}, "a"},
		{"negative resources", []registry.Service{{Name: "a", Tier: 1, Platform: "kubernetes", Resources: registry.ResourceProfile{Concurrency: -1}}}, "a"},
		{"min above max", []registry.Service{{Name: "a", Tier: 1, Platform: "kubernetes", Resources: registry.ResourceProfile{MinInstances: 3, MaxInstances: 2}}}, "a"},
		{"no name", []registry.Service{{Tier: 1, Platform: "kubernetes"}}, ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.New(tt.services)
			var validationErr *registry.ValidationError
			require.True(t, errors.As(err, &validationErr), "expected validation error, got %v", err)
			assert.Equal(t, tt.service, validationErr.Service)
		})
	}
}
