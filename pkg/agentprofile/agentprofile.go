// Package agentprofile describes the CLI agents forge can host. A profile
// captures how an agent is launched and how its persona prompt is
// delivered, so the session supervisor never branches on agent names.
package agentprofile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Injection is how a persona prompt reaches the agent.
type Injection string

const (
	// InjectKeystrokes types the persona into the running agent's input.
	InjectKeystrokes Injection = "keystrokes"
	// InjectStartupArg passes the persona as a launch argument.
	InjectStartupArg Injection = "startup-arg"
)

// Valid reports whether i is a known injection strategy.
func (i Injection) Valid() bool {
	return i == InjectKeystrokes || i == InjectStartupArg
}

// Profile describes one hostable agent CLI.
type Profile struct {
	Name        string    `toml:"name"`
	Command     string    `toml:"command"`
	Args        []string  `toml:"args"`
	PersonaFile string    `toml:"persona_file"`
	Injection   Injection `toml:"injection"`
}

// ErrUnknownProfile is returned when no profile matches the requested name.
var ErrUnknownProfile = errors.New("unknown agent profile")

// builtins are the profiles forge ships with. claude takes its persona by
// keystrokes into the running TUI; gemini and codex accept a prompt
// argument at launch.
func builtins() map[string]Profile {
	return map[string]Profile{
		"claude": {
			Name:        "claude",
			Command:     "claude",
			PersonaFile: "persona.md",
			Injection:   InjectKeystrokes,
		},
		"gemini": {
			Name:        "gemini",
			Command:     "gemini",
			Args:        []string{"-i"},
			PersonaFile: "persona.md",
			Injection:   InjectStartupArg,
		},
		"codex": {
			Name:        "codex",
			Command:     "codex",
			PersonaFile: "persona.md",
			Injection:   InjectStartupArg,
		},
	}
}

// profilesFile is the per-workdir override file.
const profilesFile = "profiles.toml"

// overridesDoc is the TOML shape of profiles.toml: a [profiles.<name>]
// table per agent.
type overridesDoc struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// Load returns the builtin profiles merged with any overrides from
// <workdir>/profiles.toml. An override may redefine a builtin or add an
// entirely new agent.
func Load(workDir string) (map[string]Profile, error) {
	profiles := builtins()

	data, err := os.ReadFile(filepath.Join(workDir, profilesFile))
	if errors.Is(err, os.ErrNotExist) {
		return profiles, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", profilesFile, err)
	}

	var doc overridesDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", profilesFile, err)
	}
	for name, p := range doc.Profiles {
		base, ok := profiles[name]
		if !ok {
			base = Profile{Name: name, PersonaFile: "persona.md", Injection: InjectKeystrokes}
		}
		if p.Command != "" {
			base.Command = p.Command
		}
		if p.Args != nil {
			base.Args = p.Args
		}
		if p.PersonaFile != "" {
			base.PersonaFile = p.PersonaFile
		}
		if p.Injection.Valid() {
			base.Injection = p.Injection
		}
		profiles[name] = base
	}
	return profiles, nil
}

// Get returns the named profile from a loaded set.
func Get(profiles map[string]Profile, name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%q: %w", name, ErrUnknownProfile)
	}
	return p, nil
}
