package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dnswlt/cbcflow/internal/store"
)

// ConfigFile is the name of the library configuration inside the library directory.
const ConfigFile = "library.yml"

// Date is a calendar date or the special value "now" in the library configuration.
type Date struct {
	t   time.Time
	now bool
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate parses "now" or a UTC date such as "2022-01-01" or "2022-01-01 12:00:00".
func ParseDate(s string) (Date, error) {
	if s == "now" {
		return Now(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{t: t.UTC()}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD, \"YYYY-MM-DD hh:mm:ss\" or now)", s)
}

// Now returns the Date that always evaluates to the current time.
func Now() Date {
	return Date{now: true}
}

// On returns the Date of midnight UTC of the given day.
func On(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// Time resolves d, using now for the special value "now".
func (d Date) Time(now time.Time) time.Time {
	if d.now {
		return now
	}
	return d.t
}

func (d Date) String() string {
	if d.now {
		return "now"
	}
	return d.t.Format("2006-01-02 15:04:05")
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Date.
func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// EventsConfig holds the criteria a superevent must meet to be included
// in the library index.
type EventsConfig struct {
	// Maximum false alarm rate (Hz) of the preferred event.
	FARThreshold float64 `yaml:"far-threshold"`
	// Time window (UTC) the preferred event must fall into.
	CreatedSince  Date `yaml:"created-since"`
	CreatedBefore Date `yaml:"created-before"`
	// Superevents included regardless of all other criteria.
	SnamesToInclude []string `yaml:"snames-to-include"`
	// Superevents excluded regardless of FAR and time window.
	SnamesToExclude []string `yaml:"snames-to-exclude"`
}

// LabelRule derives index labels from a document.
// Expr is a CEL expression, see Labeller.
type LabelRule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Config is the library configuration, read from library.yml.
type Config struct {
	// Name of the library. The index is written to <Name>-index.json.
	Name   string       `yaml:"name"`
	Events EventsConfig `yaml:"events"`
	// Labels replace the default label rules if set.
	Labels []LabelRule `yaml:"labels"`
}

// DefaultConfig returns the configuration used for settings absent from library.yml.
func DefaultConfig() *Config {
	return &Config{
		Name: "CBC-Library",
		Events: EventsConfig{
			FARThreshold:  1.2675e-7,
			CreatedSince:  On(2022, time.January, 1),
			CreatedBefore: Now(),
		},
	}
}

// LabelRules returns the configured label rules, or the default ones.
func (c *Config) LabelRules() []LabelRule {
	if c.Labels == nil {
		return DefaultLabelRules()
	}
	return c.Labels
}

// IndexFilename returns the name of the index file of the library.
func (c *Config) IndexFilename() string {
	return c.Name + "-index.json"
}

// LoadConfig reads the configuration at configPath from st. Settings that
// are not present keep their default value. A missing file yields DefaultConfig.
func LoadConfig(st store.Store, configPath string) (*Config, error) {
	cfg := DefaultConfig()
	bs, err := st.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("No library configuration %s, using defaults", configPath)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read config %q: %v", configPath, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid configuration YAML in %q: %v", configPath, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %v", configPath, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("name must not be empty")
	}
	if c.Events.FARThreshold < 0 {
		return fmt.Errorf("far-threshold must not be negative, got %g", c.Events.FARThreshold)
	}
	for _, s := range c.Events.SnamesToInclude {
		if slices.Contains(c.Events.SnamesToExclude, s) {
			return fmt.Errorf("superevent %s is both included and excluded", s)
		}
	}
	for i, r := range c.Labels {
		if r.Expr == "" {
			return fmt.Errorf("label rule #%d (%q) has no expr", i, r.Name)
		}
	}
	return nil
}
