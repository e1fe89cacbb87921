// Package events publishes machine status changes to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/power"
)

// SubjectPrefix is prepended to the sanitized machine name.
const SubjectPrefix = "pcmanager.status."

// Publisher sends one message.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StatusChanged is the payload published after an ensure_status call.
type StatusChanged struct {
	MachineID  int64     `json:"machine_id"`
	Machine    string    `json:"machine"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Converged  bool      `json:"converged"`
	Provider   string    `json:"provider,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms"`
}

// Subject returns the subject for a machine name. Characters NATS treats
// specially (dots, wildcards, whitespace) become underscores.
func Subject(machine string) string {
	var b strings.Builder
	b.WriteString(SubjectPrefix)
	for _, r := range machine {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// StatusPublisher is a power.Observer that only reacts to ensure_status results.
type StatusPublisher struct {
	pub Publisher
	log *zap.Logger
}

var _ power.Observer = (*StatusPublisher)(nil)

func NewStatusPublisher(pub Publisher, log *zap.Logger) *StatusPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusPublisher{pub: pub, log: log}
}

func (p *StatusPublisher) ActionFinished(power.ActionEvent) {}

func (p *StatusPublisher) ProviderFailed(string, *power.ProviderError) {}

// StatusEnsured publishes the outcome. Publish failures are logged, never returned.
func (p *StatusPublisher) StatusEnsured(e power.EnsureEvent) {
	msg := StatusChanged{
		MachineID:  e.MachineID,
		Machine:    e.Machine,
		Target:     e.Target.Key(),
		Status:     e.Reached.Key(),
		Converged:  e.Converged,
		Provider:   e.Provider,
		At:         e.At,
		DurationMs: e.Duration.Milliseconds(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("encode status event", zap.Error(err))
		return
	}
	subject := Subject(e.Machine)
	if err := p.pub.Publish(subject, data); err != nil {
		p.log.Warn("publish status event failed", zap.String("subject", subject), zap.Error(err))
	}
}

// NATS is a Publisher backed by a NATS connection.
type NATS struct {
	nc *nats.Conn
}

// Connect dials url and keeps reconnecting forever in the background.
func Connect(url string, log *zap.Logger) (*NATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("pcmanager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(subject string, data []byte) error {
	if n.nc == nil || n.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return n.nc.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc.Close()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, []byte) error { return nil }
