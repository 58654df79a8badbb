// Package sym defines the glyphs portal uses as stable markers in CLI output
// and structured logs. Logs carry them in the "symbol" field so output can be
// filtered by subsystem.
package sym

const (
	AM     = "≡" // configuration
	Jobs   = "⧖" // job definitions and run history
	Rollup = "⟳" // metric discovery

	Pulse      = "꩜" // scheduler ticker and job execution
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // storage
)

// Command ties a top-level CLI command to its glyph.
type Command struct {
	Name        string
	Glyph       string
	Description string
}

// Commands in help order. The glyph doubles as an alias, so `portal ⧖ ls`
// is `portal jobs ls`.
var Commands = []Command{
	{"am", AM, "Manage portal configuration (\"I am\")"},
	{"db", DB, "Manage the portal database"},
	{"jobs", Jobs, "Define scheduled jobs and inspect their runs"},
	{"pulse", Pulse, "Run the Pulse scheduler daemon"},
	{"rollup", Rollup, "Inspect rollup metric discovery"},
}

// Lookup finds a command by name or glyph.
func Lookup(nameOrGlyph string) (Command, bool) {
	for _, c := range Commands {
		if c.Name == nameOrGlyph || c.Glyph == nameOrGlyph {
			return c, true
		}
	}
	return Command{}, false
}
