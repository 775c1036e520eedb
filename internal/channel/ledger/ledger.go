// Package ledger books financial requests into the local SQLite ledger.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vaultline/internal/channel"
	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
)

const typeName = "ledger"

func init() {
	channel.RegisterType(typeName, func(name string, cfg config.Channel, root string, _ channel.Env) (channel.Channel, error) {
		return Open(context.Background(), name, db.Path(root, cfg.Path))
	})
}

// Channel writes one entry per request. Executing the same request twice
// succeeds without booking it again.
type Channel struct {
	name string
	conn *sql.DB
	repo repo.Repo
	now  func() time.Time
}

// Open opens and migrates the ledger at path.
func Open(ctx context.Context, name, path string) (*Channel, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", name, err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger %s: %w", name, err)
	}
	return &Channel{name: name, conn: conn, repo: repo.Repo{DB: conn}, now: time.Now}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Repo() repo.Repo { return c.repo }

func (c *Channel) Execute(ctx context.Context, r domain.ApprovalRequest) error {
	if r.ID == "" {
		return fmt.Errorf("ledger %s: request has no id", c.name)
	}
	currency, _ := r.Payload["currency"].(string)
	partner, _ := r.Payload["partner"].(string)
	memo, _ := r.Payload["memo"].(string)
	if memo == "" {
		memo = r.Body
	}
	_, err := c.repo.InsertEntry(ctx, domain.LedgerEntry{
		RequestID:  r.ID,
		TaskID:     r.TaskID,
		ActionKind: r.ActionKind,
		Amount:     r.Amount,
		Currency:   currency,
		Partner:    partner,
		Memo:       memo,
		Payload:    r.Payload,
		ApprovedBy: r.DecidedBy,
		CreatedAt:  c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ledger %s: %w", c.name, err)
	}
	return nil
}

func (c *Channel) Close() error { return c.conn.Close() }
