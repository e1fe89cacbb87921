// Package wakeonlan sends magic packets.
package wakeonlan

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/wol"
)

// DefaultBroadcast is the limited broadcast address on the discard port.
const DefaultBroadcast = "255.255.255.255:9"

// Sender wakes the machine owning mac.
type Sender interface {
	Wake(ctx context.Context, mac net.HardwareAddr) error
}

// UDPSender broadcasts magic packets over UDP.
type UDPSender struct {
	Addr string
}

func NewUDPSender(addr string) *UDPSender {
	if addr == "" {
		addr = DefaultBroadcast
	}
	return &UDPSender{Addr: addr}
}

func (s *UDPSender) Wake(ctx context.Context, mac net.HardwareAddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("wol client: %w", err)
	}
	defer c.Close()
	if err := c.Wake(s.Addr, mac); err != nil {
		return fmt.Errorf("wake %s via %s: %w", mac, s.Addr, err)
	}
	return nil
}

// RecordingSender 记录发送的包, 测试用
type RecordingSender struct {
	mu   sync.Mutex
	sent []net.HardwareAddr
	Err  error
}

func (r *RecordingSender) Wake(_ context.Context, mac net.HardwareAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, mac)
	return r.Err
}

// Sent returns the MAC addresses woken so far.
func (r *RecordingSender) Sent() []net.HardwareAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]net.HardwareAddr(nil), r.sent...)
}
