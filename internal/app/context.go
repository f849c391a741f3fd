package app

import (
	"context"
	"database/sql"
	"time"

	"casetrail/internal/agents"
	"casetrail/internal/config"
	"casetrail/internal/db"
	"casetrail/internal/engine"
	"casetrail/internal/migrate"
	"casetrail/internal/orchestrate"
)

// Context bundles the opened database, loaded config and workflow engine
// for one CLI invocation or server process.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares a workspace: ensure the directory, open the database, run
// migrations, load casetrail.yml (falling back to defaults when absent) and
// seed the built-in roles and rate card.
func Open(ctx context.Context, workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("casetrail")
	}
	e := engine.New(conn, cfg)
	if err := e.Seed(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{DB: conn, Config: cfg, Engine: e}, nil
}

// Orchestrator builds the agent orchestrator from the loaded config.
func (a *Context) Orchestrator() (*orchestrate.Orchestrator, error) {
	gen, err := agents.New(a.Config)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(a.Config.AgentTimeoutSeconds()) * time.Second
	return orchestrate.New(a.Engine, gen, timeout), nil
}

// Close releases the database connection.
func (a *Context) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
