// Package gate decides which optional behaviours run in a given execution
// context: the hosting server, a connected client, or the client that
// controls a particular entity.
package gate

import "vitalsync.ai/internal/sim/vitals"

// Context describes where a behaviour would run. A listen server that also
// plays is both Client and Server.
type Context struct {
	Local  bool
	Client bool
	Server bool
}

// For builds the context of a process holding role for an entity.
func For(role vitals.Role, client bool) Context {
	return Context{
		Local:  role == vitals.RoleController || (role == vitals.RoleAuthority && client),
		Client: client,
		Server: role == vitals.RoleAuthority,
	}
}

// Rule enables a behaviour when any of its flags matches the context.
type Rule struct {
	Name     string `yaml:"name"`
	IfLocal  bool   `yaml:"if_local"`
	IfClient bool   `yaml:"if_client"`
	IfServer bool   `yaml:"if_server"`
}

func (r Rule) Allows(c Context) bool {
	return (r.IfLocal && c.Local) || (r.IfClient && c.Client) || (r.IfServer && c.Server)
}

// Set is a named collection of rules. Behaviours without a rule run only
// for the local controller.
type Set map[string]Rule

func NewSet(rules ...Rule) Set {
	s := Set{}
	for _, r := range rules {
		s[r.Name] = r
	}
	return s
}

func (s Set) Enabled(name string, c Context) bool {
	r, ok := s[name]
	if !ok {
		return c.Local
	}
	return r.Allows(c)
}

// Behaviour names used across the binaries.
const (
	// Controls issues damage/heat requests for the controlled entity.
	Controls = "controls"
	// HUD prints value and transition events.
	HUD = "hud"
	// Conversion publishes conversion tint feedback.
	Conversion = "conversion"
)

// Defaults mirrors how the stock binaries wire their behaviours.
func Defaults() Set {
	return NewSet(
		Rule{Name: Controls, IfLocal: true},
		Rule{Name: HUD, IfClient: true},
		Rule{Name: Conversion, IfServer: true},
	)
}
