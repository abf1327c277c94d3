package llm

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Prompt names understood by the registry.
const (
	PromptSystem        = "system"
	PromptAnalysisFirst = "analysis_first"
	PromptAnalysis      = "analysis"
	PromptStrategy      = "strategy"
	PromptRemediation   = "remediation"
	PromptRegenerate    = "regenerate"
	PromptSummarize     = "summarize"
)

//go:embed registry.yaml
var registryYAML []byte

// Service describes an external API the generated scripts may call.
type Service struct {
	Envs   []string `yaml:"envs"`
	Prompt string   `yaml:"prompt"`
}

// Registry holds the service table and prompt templates. It is read-only
// after loading.
type Registry struct {
	Services map[string]Service `yaml:"services"`
	Prompts  map[string]string  `yaml:"prompts"`
}

var (
	defaultRegistry    *Registry
	defaultRegistryErr error
	registryOnce       sync.Once
)

// DefaultRegistry returns the embedded registry, parsed once.
func DefaultRegistry() (*Registry, error) {
	registryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = ParseRegistry(registryYAML)
	})
	return defaultRegistry, defaultRegistryErr
}

// ParseRegistry parses a registry document and checks that every prompt
// the generator needs is present.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	for _, name := range []string{PromptSystem, PromptAnalysisFirst, PromptAnalysis, PromptStrategy, PromptRemediation, PromptRegenerate, PromptSummarize} {
		if strings.TrimSpace(r.Prompts[name]) == "" {
			return nil, fmt.Errorf("registry is missing prompt %q", name)
		}
	}
	return &r, nil
}

// Prompt returns the named template.
func (r *Registry) Prompt(name string) (string, error) {
	p, ok := r.Prompts[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return p, nil
}

// ServiceNames lists supported services in sorted order.
func (r *Registry) ServiceNames() []string {
	names := make([]string, 0, len(r.Services))
	for name := range r.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServicesToEnvs maps services to the environment variables their scripts
// need, with values read through getenv. Unknown services are an error.
func (r *Registry) ServicesToEnvs(services []string, getenv func(string) string) (map[string]string, error) {
	envs := make(map[string]string)
	for _, name := range services {
		svc, ok := r.Services[name]
		if !ok {
			return nil, fmt.Errorf("unsupported service: %s. Supported services: %s", name, strings.Join(r.ServiceNames(), ", "))
		}
		for _, env := range svc.Envs {
			envs[env] = getenv(env)
		}
	}
	return envs, nil
}

// ServicesToPrompts returns the prompt description of each service.
func (r *Registry) ServicesToPrompts(services []string) ([]string, error) {
	prompts := make([]string, 0, len(services))
	for _, name := range services {
		svc, ok := r.Services[name]
		if !ok {
			return nil, fmt.Errorf("unsupported service: %s. Supported services: %s", name, strings.Join(r.ServiceNames(), ", "))
		}
		prompts = append(prompts, svc.Prompt)
	}
	return prompts, nil
}

// variablePattern matches {{variable}} placeholders.
var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Render substitutes {{variable}} placeholders with values from vars.
// Unknown variables are left as-is.
func Render(prompt string, vars map[string]string) string {
	if len(vars) == 0 {
		return prompt
	}
	return variablePattern.ReplaceAllStringFunc(prompt, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
