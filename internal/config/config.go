package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"budgetline/internal/domain"
	"budgetline/internal/stage"
)

// Config models budgetline.yml.
type Config struct {
	Unite struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"unite"`
	Exercice   int `yaml:"exercice"`
	Thresholds struct {
		// PassationMarche is the amount at or above which procurement is
		// mandatory. The authoritative value belongs to the budget
		// directorate; treat this as configuration, never hardcode it.
		PassationMarche int64 `yaml:"passation_marche"`
	} `yaml:"thresholds"`
	RBAC struct {
		Profiles map[string]ProfileConfig `yaml:"profiles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ProfileConfig is the centralized profile→role expansion plus the read-path
// routes and per-entity actions granted to a functional profile. "*" expands
// to everything.
type ProfileConfig struct {
	Description string              `yaml:"description"`
	Roles       []string            `yaml:"roles"`
	Routes      []string            `yaml:"routes"`
	Actions     map[string][]string `yaml:"actions"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	// Stages narrows transition deliveries to the named destination stages,
	// e.g. a badge consumer that only cares about reglement completions.
	Stages         []string `yaml:"stages"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var knownRoles = map[string]bool{
	"DG": true, "CB": true, "ORDONNATEUR": true, "TRESORERIE": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Unite.ID == "" {
		return fmt.Errorf("config.unite.id is required")
	}
	if c.Exercice < 2000 || c.Exercice > 2100 {
		return fmt.Errorf("config.exercice %d out of range", c.Exercice)
	}
	if c.Thresholds.PassationMarche <= 0 {
		return fmt.Errorf("config.thresholds.passation_marche must be positive")
	}
	if len(c.RBAC.Profiles) == 0 {
		return fmt.Errorf("config.rbac.profiles is required")
	}
	if _, ok := c.RBAC.Profiles["admin"]; !ok {
		return fmt.Errorf("config.rbac.profiles must include admin")
	}
	for name, p := range c.RBAC.Profiles {
		if name == "" {
			return fmt.Errorf("config.rbac.profiles contains empty profile id")
		}
		for _, role := range p.Roles {
			if role == "" {
				return fmt.Errorf("profile %s has empty role", name)
			}
			if role != "*" && !knownRoles[role] {
				return fmt.Errorf("profile %s references unknown role %s", name, role)
			}
		}
		for entity, actions := range p.Actions {
			if entity == "" {
				return fmt.Errorf("profile %s has empty entity type", name)
			}
			for _, a := range actions {
				if a == "" {
					return fmt.Errorf("profile %s has empty action for %s", name, entity)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, s := range hook.Stages {
			if !stage.Valid(domain.Stage(s)) {
				return fmt.Errorf("webhook %d references unknown stage %s", i, s)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "budgetline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(uniteID string) string {
	return fmt.Sprintf(defaultTemplate, uniteID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an organizational unit.
func Default(uniteID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, uniteID))).Decode(&cfg)
	cfg.Unite.ID = uniteID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `unite:
  id: %s
  name: Direction des Affaires Financières

exercice: 2026

thresholds:
  # Montant à partir duquel la passation de marché est obligatoire.
  # Valeur par défaut à confirmer avec la direction du budget.
  passation_marche: 5000000

rbac:
  profiles:
    admin:
      description: "Administrateur système"
      roles: ["*"]
      routes: ["*"]
      actions:
        "*": ["*"]

    directeur_general:
      description: "Directeur général"
      roles: [DG]
      routes: [/dossiers, /validations, /dashboard]
      actions:
        dossier: [read, create, validate, reject, defer, return, comment, delegate, request_info]
        note: [read, validate, reject]

    controleur_budgetaire:
      description: "Contrôle budgétaire"
      roles: [CB]
      routes: [/dossiers, /imputations, /engagements, /dashboard]
      actions:
        dossier: [read, validate, reject, defer, return, comment, request_info]
        imputation: [read, create, validate, reject]
        marche: [read, validate, reject]
        engagement: [read, create, validate, reject]

    ordonnateur:
      description: "Ordonnateur"
      roles: [ORDONNATEUR]
      routes: [/dossiers, /liquidations, /ordonnancements, /dashboard]
      actions:
        dossier: [read, validate, reject, defer, return, comment, request_info]
        liquidation: [read, create, validate, reject]
        ordonnancement: [read, create, validate, reject]

    tresorerie:
      description: "Trésorerie"
      roles: [TRESORERIE]
      routes: [/dossiers, /reglements, /dashboard]
      actions:
        dossier: [read, validate, reject, defer, comment]
        reglement: [read, create, validate, reject]

    auditeur:
      description: "Audit interne, lecture seule"
      roles: []
      routes: [/dossiers, /dashboard, /audit]
      actions:
        dossier: [read]

    operateur:
      description: "Opérateur de saisie"
      roles: []
      routes: [/dossiers]
      actions:
        dossier: [read, create, update, comment]
        note: [read, create, update]
`
