package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"vaultline/internal/domain"
)

// NATSSink publishes each snapshot as JSON to <subject>.<role>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// ConnectNATS dials the server. Reconnects are handled by the client.
func ConnectNATS(url, subject, name string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

// Subject returns the subject a role's snapshots go to.
func Subject(base, role string) string {
	return base + "." + role
}

func (n *NATSSink) Publish(_ context.Context, s domain.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	subj := Subject(n.subject, s.Role)
	if err := n.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	return nil
}

func (n *NATSSink) Close() error {
	return n.nc.Drain()
}
