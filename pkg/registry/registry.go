// Package registry holds the declared set of deployable services and the tier plan
// derived from them.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
)

const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

type ResourceProfile struct {
	Memory       string `json:"memory,omitempty"`
	CPU          string `json:"cpu,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	MinInstances int    `json:"minInstances,omitempty"`
	MaxInstances int    `json:"maxInstances,omitempty"`
}

type Service struct {
	Name       string            `json:"name"`
	Tier       int               `json:"tier"`
	Resources  ResourceProfile   `json:"resources"`
	Platform   string            `json:"platform"`
	Source     string            `json:"source"`
	Port       int               `json:"port,omitempty"`
	HealthPath string            `json:"healthPath,omitempty"`
	Protocol   string            `json:"protocol,omitempty"`
	DependsOn  []string          `json:"dependsOn,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Tier is a group of services that only depend on services in lower tiers, and may
// therefore be deployed concurrently.
type Tier struct {
	Number   int
	Services []Service
}

// TierPlan lists tiers in ascending order. Empty tiers are omitted.
type TierPlan []Tier

type ValidationError struct {
	Service string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("invalid service registry: %s", e.Reason)
	}
	return fmt.Sprintf("invalid service %q: %s", e.Service, e.Reason)
}

type Registry struct {
	services map[string]Service
	sorted   []Service
}

type file struct {
	Services []Service `json:"services"`
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service registry: %w", err)
	}

	f := &file{}
	err = yaml.Unmarshal(data, f)
	if err != nil {
		return nil, fmt.Errorf("parse service registry %s: %w", path, err)
	}

	return New(f.Services)
}

func withDefaults(svc Service) Service {
	if svc.Protocol == "" {
		svc.Protocol = ProtocolHTTP
	}
	if svc.Port == 0 {
		svc.Port = 8080
	}
	if svc.HealthPath == "" && svc.Protocol == ProtocolHTTP {
		svc.HealthPath = "/healthz"
	}
	if svc.Source == "" {
		svc.Source = svc.Name
	}
	return svc
}

// New validates services and builds a registry. The first problem found is returned as a
// *ValidationError.
func New(services []Service) (*Registry, error) {
	r := &Registry{
		services: make(map[string]Service, len(services)),
		sorted:   make([]Service, 0, len(services)),
	}

	for _, svc := range services {
		svc = withDefaults(svc.clone())
		err := validate(svc)
		if err != nil {
			return nil, err
		}
		if _, exists := r.services[svc.Name]; exists {
			return nil, &ValidationError{Service: svc.Name, Reason: "declared more than once"}
		}
		r.services[svc.Name] = svc
		r.sorted = append(r.sorted, svc)
	}

	for _, svc := range r.sorted {
		for _, dep := range svc.DependsOn {
			other, ok := r.services[dep]
			switch {
			case !ok:
				return nil, &ValidationError{Service: svc.Name, Reason: fmt.Sprintf("depends on unknown service %q", dep)}
			case other.Tier >= svc.Tier:
				return nil, &ValidationError{
					Service: svc.Name,
					Reason:  fmt.Sprintf("depends on %q in tier %d, which is not lower than its own tier %d", dep, other.Tier, svc.Tier),
				}
			}
		}
	}

	sort.SliceStable(r.sorted, func(i, j int) bool {
		if r.sorted[i].Tier != r.sorted[j].Tier {
			return r.sorted[i].Tier < r.sorted[j].Tier
		}
		return r.sorted[i].Name < r.sorted[j].Name
	})

	return r, nil
}

func validate(svc Service) error {
	invalid := func(format string, args ...interface{}) error {
		return &ValidationError{Service: svc.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case strings.TrimSpace(svc.Name) == "":
		return &ValidationError{Reason: "service without a name"}
	case svc.Tier < 1:
		return invalid("tier must be 1 or greater, got %d", svc.Tier)
	case svc.Platform == "":
		return invalid("no platform specified")
	case svc.Protocol != ProtocolHTTP && svc.Protocol != ProtocolGRPC:
		return invalid("unsupported protocol %q", svc.Protocol)
	case svc.Port < 1 || svc.Port > 65535:
		return invalid("port %d out of range", svc.Port)
	case svc.Resources.Concurrency < 0 || svc.Resources.MinInstances < 0 || svc.Resources.MaxInstances < 0:
		return invalid("resource limits may not be negative")
	case svc.Resources.MaxInstances > 0 && svc.Resources.MinInstances > svc.Resources.MaxInstances:
		return invalid("minInstances %d exceeds maxInstances %d", svc.Resources.MinInstances, svc.Resources.MaxInstances)
	}

	for _, dep := range svc.DependsOn {
		if dep == svc.Name {
			return invalid("depends on itself")
		}
	}
	return nil
}

// clone returns svc with its own copies of DependsOn and Env, so callers cannot change
// the registry.
func (svc Service) clone() Service {
	if svc.DependsOn != nil {
		svc.DependsOn = append([]string(nil), svc.DependsOn...)
	}
	if svc.Env != nil {
		env := make(map[string]string, len(svc.Env))
		for k, v := range svc.Env {
			env[k] = v
		}
		svc.Env = env
	}
	return svc
}

// List returns every service ordered by tier, then name.
func (r *Registry) List() []Service {
	services := make([]Service, len(r.sorted))
	for i, svc := range r.sorted {
		services[i] = svc.clone()
	}
	return services
}

func (r *Registry) Lookup(name string) (Service, bool) {
	svc, ok := r.services[name]
	if !ok {
		return svc, false
	}
	return svc.clone(), true
}

// ByTier groups services into tiers, lowest first.
func (r *Registry) ByTier() TierPlan {
	plan := make(TierPlan, 0)
	for _, svc := range r.sorted {
		n := len(plan)
		if n == 0 || plan[n-1].Number != svc.Tier {
			plan = append(plan, Tier{Number: svc.Tier})
			n++
		}
		plan[n-1].Services = append(plan[n-1].Services, svc.clone())
	}
	return plan
}

func (r *Registry) Tier(number int) (Tier, bool) {
	for _, tier := range r.ByTier() {
		if tier.Number == number {
			return tier, true
		}
	}
	return Tier{}, false
}

// Names returns the names of the services in the tier.
func (t Tier) Names() []string {
	names := make([]string, len(t.Services))
	for i, svc := range t.Services {
		names[i] = svc.Name
	}
	return names
}
