package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// RuleChangeChannel is the NOTIFY channel raised by the auto_reply_rules trigger.
// The payload is the tenant ID whose rules changed.
const RuleChangeChannel = "rule_changes"

// RuleListener holds a dedicated pgx connection LISTENing for rule changes so
// the rule cache can be invalidated as soon as the CRUD layer writes.
type RuleListener struct {
	dsn      string
	onChange func(tenantID string)
}

func NewRuleListener(dsn string, onChange func(tenantID string)) *RuleListener {
	return &RuleListener{dsn: dsn, onChange: onChange}
}

// Run blocks until ctx is cancelled, reconnecting with backoff when the
// connection drops.
func (l *RuleListener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("rule change listener disconnected, will retry", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (l *RuleListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+RuleChangeChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening for rule changes", "channel", RuleChangeChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		slog.Debug("rule change notification", "tenant", n.Payload)
		l.onChange(n.Payload)
	}
}
