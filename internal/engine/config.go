package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is the configuration block for a single engine in the registry file.
type Spec struct {
	Interpreter string   `yaml:"interpreter"`
	Script      string   `yaml:"script"`
	Args        []string `yaml:"args"`
	Binaries    []string `yaml:"binaries"`
	Disabled    bool     `yaml:"disabled"`
}

// RegistryConfig describes which engines are available and in what fallback
// order they should be tried.
type RegistryConfig struct {
	Order   []string        `yaml:"order"`
	Engines map[string]Spec `yaml:"engines"`
}

// Runtime carries the process-wide execution bounds shared by all engines.
type Runtime struct {
	WorkingDir     string
	AttemptTimeout time.Duration
	StallTimeout   time.Duration
	CancelGrace    time.Duration
}

// LoadRegistryConfig reads a YAML file into a RegistryConfig. A missing file
// is not an error: built-in defaults cover the standard three engines.
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	var cfg RegistryConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read engine registry: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal engine registry: %w", err)
	}
	return cfg, nil
}

// newBridge builds the script bridge for an engine, falling back to the
// provided defaults when the registry entry leaves fields empty.
func (s Spec) newBridge(defaultInterpreter, defaultScript string, rt Runtime) bridge {
	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = defaultInterpreter
	}
	script := s.Script
	if script == "" {
		script = defaultScript
	}
	if !filepath.IsAbs(script) && rt.WorkingDir != "" {
		script = filepath.Join(rt.WorkingDir, script)
	}
	return bridge{
		interpreter:    interpreter,
		script:         script,
		args:           s.Args,
		extraBinaries:  s.Binaries,
		workDir:        rt.WorkingDir,
		attemptTimeout: rt.AttemptTimeout,
		stallTimeout:   rt.StallTimeout,
		cancelGrace:    rt.CancelGrace,
	}
}

// Build instantiates the engines named by the registry in fallback order.
// The engine set is closed: unknown names are rejected rather than loaded
// dynamically.
func Build(cfg RegistryConfig, rt Runtime) ([]Engine, error) {
	order := cfg.Order
	if len(order) == 0 {
		order = []string{NamePuppeteer, NameSelenium, NamePlaywright}
	}
	engines := make([]Engine, 0, len(order))
	for _, name := range order {
		spec := cfg.Engines[name]
		if spec.Disabled {
			continue
		}
		switch name {
		case NamePuppeteer:
			engines = append(engines, NewPuppeteer(spec, rt))
		case NameSelenium:
			engines = append(engines, NewSelenium(spec, rt))
		case NamePlaywright:
			engines = append(engines, NewPlaywright(spec, rt))
		default:
			return nil, fmt.Errorf("未知的自动化引擎: %s", name)
		}
	}
	if len(engines) == 0 {
		return nil, errors.New("引擎注册表为空")
	}
	return engines, nil
}
