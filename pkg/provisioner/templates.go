package provisioner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/godetonate/pkg/job"
)

// Template names a versioned instance configuration. The provisioner passes
// it to the provider verbatim.
type Template struct {
	Name    string `yaml:"name" mapstructure:"name" json:"name"`
	Version string `yaml:"version" mapstructure:"version" json:"version"`
}

func (t Template) String() string {
	if t.Version == "" {
		return t.Name
	}
	return t.Name + "@" + t.Version
}

// Templates maps each environment to its template.
type Templates map[job.Environment]Template

// DefaultTemplates returns the stock template names, all pinned to the
// provider's default version.
func DefaultTemplates() Templates {
	return Templates{
		job.EnvLinuxGeneric: {Name: "detonation-linux-template"},
		job.EnvUbuntu2004:   {Name: "detonation-ubuntu-template"},
		job.EnvWindows10x64: {Name: "detonation-win10-template"},
		job.EnvWindows7x64:  {Name: "detonation-win7-template"},
	}
}

// Resolve returns the template for env.
func (t Templates) Resolve(env job.Environment) (Template, error) {
	tpl, ok := t[env]
	if !ok || tpl.Name == "" {
		return Template{}, fmt.Errorf("%w: no template for environment %q", ErrTemplateNotFound, env)
	}
	return tpl, nil
}

// Merge returns a copy of t with entries from other taking precedence.
func (t Templates) Merge(other Templates) Templates {
	out := make(Templates, len(t)+len(other))
	for env, tpl := range t {
		out[env] = tpl
	}
	for env, tpl := range other {
		out[env] = tpl
	}
	return out
}

type templatesFile struct {
	Templates map[string]Template `yaml:"templates"`
}

// LoadTemplates reads a YAML file of the form
//
//	templates:
//	  windows-10-x64: {name: detonation-win10-template, version: "7"}
func LoadTemplates(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes template YAML, rejecting unknown environments.
func ParseTemplates(data []byte) (Templates, error) {
	var f templatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	out := make(Templates, len(f.Templates))
	for raw, tpl := range f.Templates {
		env, err := job.ParseEnvironment(raw)
		if err != nil {
			return nil, err
		}
		if tpl.Name == "" {
			return nil, fmt.Errorf("template for %s has no name", env)
		}
		out[env] = tpl
	}
	return out, nil
}
