package realtime

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Turn detection strategies.
const (
	TurnDetectionServer = "server"
	TurnDetectionLocal  = "local"
)

// Profile is a named voice persona.
type Profile struct {
	Name          string               `yaml:"name"`
	Voice         string               `yaml:"voice"`
	Temperature   float64              `yaml:"temperature"`
	TurnDetection ProfileTurnDetection `yaml:"turn_detection"`
	Greeting      string               `yaml:"greeting"`
	Instructions  string               `yaml:"instructions"`
}

// ProfileTurnDetection selects and tunes the turn detection strategy.
type ProfileTurnDetection struct {
	Mode              string  `yaml:"mode"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// PromptVars feed the instructions template.
type PromptVars struct {
	Organization string
	LeadName     string
	Campaign     string
	Description  string
	Location     string
}

// Profiles is the loaded profile catalogue.
type Profiles struct {
	byName   map[string]Profile
	fallback string
	defaults config.RealtimeConfig
}

// LoadProfiles reads the YAML profile file. An empty path yields a catalogue
// holding only the configured defaults.
func LoadProfiles(cfg config.RealtimeConfig) (*Profiles, error) {
	p := &Profiles{byName: map[string]Profile{}, fallback: cfg.DefaultProfile, defaults: cfg}
	if cfg.ProfilesPath == "" {
		return p, nil
	}

	raw, err := os.ReadFile(cfg.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("realtime: read profiles: %w", err)
	}
	return p, p.parse(raw)
}

func (p *Profiles) parse(raw []byte) error {
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("realtime: parse profiles: %w", err)
	}
	for _, prof := range doc.Profiles {
		if prof.Name == "" {
			return fmt.Errorf("realtime: profile without name")
		}
		mode := prof.TurnDetection.Mode
		if mode != "" && mode != TurnDetectionServer && mode != TurnDetectionLocal {
			return fmt.Errorf("realtime: profile %s: unknown turn detection mode %q", prof.Name, mode)
		}
		if _, err := template.New(prof.Name).Parse(prof.Instructions); err != nil {
			return fmt.Errorf("realtime: profile %s: instructions: %w", prof.Name, err)
		}
		p.byName[prof.Name] = prof
	}
	return nil
}

// Get returns the named profile, then the default profile, then a profile
// built from the realtime config.
func (p *Profiles) Get(name string) Profile {
	if prof, ok := p.byName[name]; ok {
		return p.withDefaults(prof)
	}
	if prof, ok := p.byName[p.fallback]; ok {
		return p.withDefaults(prof)
	}
	return p.withDefaults(Profile{Name: "config"})
}

func (p *Profiles) withDefaults(prof Profile) Profile {
	d := p.defaults
	if prof.Voice == "" {
		prof.Voice = d.Voice
	}
	if prof.Temperature == 0 {
		prof.Temperature = d.Temperature
	}
	td := &prof.TurnDetection
	if td.Mode == "" {
		td.Mode = d.TurnDetection
	}
	if td.Mode == "" {
		td.Mode = TurnDetectionServer
	}
	if td.Threshold == 0 {
		if td.Mode == TurnDetectionLocal {
			td.Threshold = d.LocalEnergyCutoff
		} else {
			td.Threshold = d.VADThreshold
		}
	}
	if td.PrefixPaddingMs == 0 {
		td.PrefixPaddingMs = int(d.PrefixPadding / time.Millisecond)
	}
	if td.SilenceDurationMs == 0 {
		td.SilenceDurationMs = int(d.SilenceDuration / time.Millisecond)
	}
	return prof
}

// LocalTurns reports whether the client commits turns itself.
func (prof Profile) LocalTurns() bool {
	return prof.TurnDetection.Mode == TurnDetectionLocal
}

// SilenceDuration is the pause that ends a caller turn.
func (prof Profile) SilenceDuration() time.Duration {
	return time.Duration(prof.TurnDetection.SilenceDurationMs) * time.Millisecond
}

// Render expands the instructions template.
func (prof Profile) Render(vars PromptVars) (string, error) {
	tmpl, err := template.New(prof.Name).Parse(prof.Instructions)
	if err != nil {
		return "", fmt.Errorf("realtime: profile %s: %w", prof.Name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("realtime: render profile %s: %w", prof.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Session builds the session configuration. A campaign script replaces the
// rendered instructions and a campaign voice replaces the profile voice.
func (prof Profile) Session(vars PromptVars, script, voice string, tools []Tool) (SessionConfig, error) {
	instructions := strings.TrimSpace(script)
	if instructions == "" {
		rendered, err := prof.Render(vars)
		if err != nil {
			return SessionConfig{}, err
		}
		instructions = rendered
	}
	if prof.Greeting != "" {
		instructions += "\n\nOpening: " + prof.Greeting
	}
	if voice == "" {
		voice = prof.Voice
	}

	cfg := SessionConfig{
		Instructions: instructions,
		Voice:        voice,
		Temperature:  prof.Temperature,
		Tools:        tools,
	}
	if !prof.LocalTurns() {
		td := prof.TurnDetection
		cfg.TurnDetection = ServerVAD(td.Threshold,
			time.Duration(td.PrefixPaddingMs)*time.Millisecond, prof.SilenceDuration())
	}
	return cfg, nil
}

// ProjectLine is one entry of the other-projects context.
type ProjectLine struct {
	Name, Description, Location string
}

// WithProjects appends the organization's other active projects to instructions.
func WithProjects(instructions string, projects []ProjectLine) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nOther active projects:\n")
	if len(projects) == 0 {
		b.WriteString("No other active projects.")
		return b.String()
	}
	for i, p := range projects {
		desc := p.Description
		if desc == "" {
			desc = "No description available"
		}
		loc := p.Location
		if loc == "" {
			loc = "Location N/A"
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s (%s)", p.Name, desc, loc)
	}
	return b.String()
}
