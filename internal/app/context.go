package app

import (
	"fmt"
	"os"

	"clawgate/internal/channel"
	"clawgate/internal/config"
	"clawgate/internal/db"
	"clawgate/internal/engine"
	"clawgate/internal/migrate"
)

// Context bundles the resolved workspace pieces a command needs.
type Context struct {
	Workspace string
	Config    *config.Config
	Engine    engine.Engine
}

// Close releases the underlying database handle.
func (c *Context) Close() error {
	if c.Engine.DB != nil {
		return c.Engine.DB.Close()
	}
	return nil
}

// Open resolves the workspace config, opens the database, applies pending
// migrations and wires the engine. Transport credentials come from the
// environment so clawgate.yml stays free of secrets.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return openWith(workspace, cfg)
}

// OpenWithConfig is Open with a pre-parsed config, used by commands that
// accept --config overrides.
func OpenWithConfig(workspace string, cfg *config.Config) (*Context, error) {
	if cfg == nil {
		return Open(workspace)
	}
	return openWith(workspace, cfg)
}

func openWith(workspace string, cfg *config.Config) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	channels, err := channel.FromConfig(cfg, CredentialsFromEnv())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Engine:    engine.New(conn, cfg, channels),
	}, nil
}

// CredentialsFromEnv reads channel transport secrets from the process
// environment.
func CredentialsFromEnv() channel.Credentials {
	return channel.Credentials{
		TelegramBotToken: os.Getenv("CLAWGATE_TELEGRAM_BOT_TOKEN"),
		SMTPAddr:         os.Getenv("CLAWGATE_SMTP_ADDR"),
		SMTPUser:         os.Getenv("CLAWGATE_SMTP_USER"),
		SMTPPassword:     os.Getenv("CLAWGATE_SMTP_PASSWORD"),
		SMTPFrom:         os.Getenv("CLAWGATE_SMTP_FROM"),
	}
}

// Init seeds a new workspace: writes the default clawgate.yml (refusing to
// overwrite an existing one) and creates the database directory.
func Init(workspace, owner string) (string, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config %s already exists", path)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
