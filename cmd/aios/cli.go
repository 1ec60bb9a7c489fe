// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface. It is a thin shell over the
// kernel's embedding surface and owns no kernel state.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the demo tick sequence"`
	Replay   ReplayCmd   `cmd:"" help:"Replay a session branch for forensic analysis"`
	Approve  ApproveCmd  `cmd:"" help:"Resolve a pending approval ticket"`
	Sessions SessionsCmd `cmd:"" help:"List sessions in the workspace"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd creates a demo session and drives it through a few ticks.
type RunCmd struct {
	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace root (overrides config)"`
	Ticks     int    `default:"3" help:"Number of ticks to run"`
}

// ReplayCmd replays a session branch.
type ReplayCmd struct {
	Session   string `arg:"" help:"Session ID to replay"`
	Branch    string `default:"main" help:"Branch to replay"`
	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace root (overrides config)"`
	Follow    bool   `short:"f" help:"Keep rendering as events are appended"`
}

// ApproveCmd resolves a pending ticket.
type ApproveCmd struct {
	Ticket string `arg:"" help:"Ticket ID"`
	Deny   bool   `help:"Deny instead of grant"`

	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace root (overrides config)"`
}

// SessionsCmd lists sessions under the workspace root.
type SessionsCmd struct {
	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace root (overrides config)"`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func parseCLI() (*CLI, *kong.Context) {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("aios"),
		kong.Description("Agent operating system kernel"),
		kong.UsageOnError(),
	)
	return cli, ctx
}
