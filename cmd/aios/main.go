// Package main is the entry point for the aios CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/vinayprograms/aios/internal/bus"
	"github.com/vinayprograms/aios/internal/config"
	"github.com/vinayprograms/aios/internal/kernel"
	"github.com/vinayprograms/aios/internal/logging"
	"github.com/vinayprograms/aios/internal/replay"
	"github.com/vinayprograms/aios/internal/tools"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for any additional env vars
	_ = godotenv.Load()
}

func main() {
	cli, ctx := parseCLI()

	var err error
	switch ctx.Command() {
	case "run":
		err = cli.Run.run()
	case "replay <session>":
		err = cli.Replay.run()
	case "approve <ticket>":
		err = cli.Approve.run()
	case "sessions":
		err = cli.Sessions.run()
	case "version":
		fmt.Printf("aios %s (%s, built %s)\n", version, commit, buildTime)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration from flag, aios.toml, or defaults.
func loadConfig(path, workspace string) *config.Config {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	} else if cfg, err = config.LoadDefault(); err != nil {
		cfg = config.Default()
	}
	if workspace != "" {
		cfg.Kernel.Root = workspace
	}
	return cfg
}

// openKernel wires a kernel, attaching the NATS mirror when configured.
func openKernel(cfg *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.Open(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Bus.URL != "" {
		bridge, err := bus.Connect(cfg.Bus.URL, cfg.Bus.SubjectPrefix)
		if err != nil {
			logging.Warn("event bus unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			k.AddMirror(bridge)
		}
	}
	return k, nil
}

// run drives the demo: a session with read, write, and echo capability
// that writes a file, runs a command, and reads the file back.
func (c *RunCmd) run() error {
	cfg := loadConfig(c.Config, c.Workspace)
	k, err := openKernel(cfg)
	if err != nil {
		return err
	}

	id, err := k.CreateSession(kernel.Manifest{
		Capabilities: []string{"fs.read", "fs.write", "shell.exec:echo"},
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s\n", id)

	s, err := k.Session(id)
	if err != nil {
		return err
	}
	s.EnqueueIntent("", tools.ToolFSWrite, map[string]interface{}{"path": "hello.txt", "bytes": "hi"})
	s.EnqueueIntent("", tools.ToolShellExec, map[string]interface{}{"argv": []string{"echo", "ok"}})
	s.EnqueueIntent("", tools.ToolFSRead, map[string]interface{}{"path": "hello.txt"})

	ctx := context.Background()
	for i := 0; i < c.Ticks; i++ {
		outcome, err := k.Tick(ctx, id)
		if err != nil {
			return err
		}
		status := "idle"
		if outcome.Dispatch != nil {
			status = outcome.Dispatch.Status
		}
		fmt.Printf("tick %d  mode=%s  %s\n", outcome.Tick, outcome.Mode, status)
	}

	fmt.Printf("\nreplay with: aios replay %s\n", id)
	return nil
}

func (c *ReplayCmd) run() error {
	cfg := loadConfig(c.Config, c.Workspace)
	r := replay.New(cfg.Root())
	if c.Follow {
		return r.Follow(context.Background(), c.Session, c.Branch)
	}
	return r.Render(c.Session, c.Branch)
}

func (c *ApproveCmd) run() error {
	cfg := loadConfig(c.Config, c.Workspace)
	k, err := openKernel(cfg)
	if err != nil {
		return err
	}
	outcome, err := k.ResolveApproval(context.Background(), c.Ticket, !c.Deny)
	if err != nil {
		return err
	}
	fmt.Printf("ticket %s: %s\n", c.Ticket, outcome.Status)
	return nil
}

func (c *SessionsCmd) run() error {
	cfg := loadConfig(c.Config, c.Workspace)
	k, err := openKernel(cfg)
	if err != nil {
		return err
	}
	for _, id := range k.Sessions() {
		s, err := k.Session(id)
		if err != nil {
			continue
		}
		fmt.Printf("%s  branch=%s mode=%s\n", id, s.Branch(), s.Mode())
	}
	return nil
}
