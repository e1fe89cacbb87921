package power

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/wakeonlan"
)

// WakeOnLan powers a machine on with a magic packet. It cannot observe power
// state, so convergence reads the owning machine's aggregate status.
type WakeOnLan struct {
	mac     net.HardwareAddr
	sender  wakeonlan.Sender
	machine StatusReader
	clock   Clock
	poll    Polling
	log     *zap.Logger
}

// NewWakeOnLan builds the provider; machine is the owner whose status is polled.
func NewWakeOnLan(mac net.HardwareAddr, sender wakeonlan.Sender, machine StatusReader, clk Clock, log *zap.Logger) *WakeOnLan {
	if clk == nil {
		clk = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WakeOnLan{mac: mac, sender: sender, machine: machine, clock: clk, poll: WakeOnLanPolling, log: log}
}

// WithPolling overrides the convergence budget.
func (w *WakeOnLan) WithPolling(p Polling) *WakeOnLan {
	w.poll = p
	return w
}

func (w *WakeOnLan) Name() string { return string(domain.HardwareWakeOnLan) }

func (w *WakeOnLan) Operations() OperationTable {
	t := OperationTable{}
	t.add(domain.OpResume, func(ctx context.Context, _ []string) (Result, error) {
		return Result{}, w.sender.Wake(ctx, w.mac)
	})
	statusOps(t, w, false)
	return t
}

// GetStatus always answers StatusUnknown.
func (w *WakeOnLan) GetStatus(context.Context) (domain.MachineStatus, error) {
	return domain.StatusUnknown, nil
}

// EnsureStatus only acts on StatusPowerOn: one packet, then poll the machine.
// Other targets return the current status untouched.
func (w *WakeOnLan) EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error) {
	current, err := w.machine.GetStatus(ctx)
	if err != nil {
		return current, err
	}
	if target != domain.StatusPowerOn || current == domain.StatusPowerOn {
		return current, nil
	}
	if err := w.sender.Wake(ctx, w.mac); err != nil {
		return current, err
	}
	w.log.Debug("magic packet sent", zap.Stringer("mac", w.mac))
	return pollUntil(ctx, w.clock, w.poll, target, current, w.machine.GetStatus)
}
