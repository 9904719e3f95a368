package port

import (
	"sync"

	"github.com/switchsim/switchsim/pkg/packet"
)

// SimulatorDriver is a loopback-free in-memory driver: Transmit hands the
// frame to a peer SimulatorDriver's rx callback (when wired via Connect),
// standing in for the physical-hardware driver the core treats as an
// external collaborator.
type SimulatorDriver struct {
	mu   sync.Mutex
	peer *SimulatorDriver
	rxCB func(*packet.Buffer)
	caps Capability
}

// NewSimulatorDriver returns a driver of DriverSimulator type that declares
// tx/rx/loopback capability. SetConfig ignores the loopback setting: a
// transmitted frame only ever reaches the connected peer, never the
// driver's own rx callback.
func NewSimulatorDriver() *SimulatorDriver {
	return &SimulatorDriver{caps: CapTx | CapRx | CapLoopback}
}

// Connect wires two simulator drivers as each other's peer so frames
// transmitted on one arrive as rx on the other, modeling a cable.
func Connect(a, b *SimulatorDriver) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (d *SimulatorDriver) Type() DriverType           { return DriverSimulator }
func (d *SimulatorDriver) Capabilities() Capability   { return d.caps }
func (d *SimulatorDriver) Init() error                { return nil }
func (d *SimulatorDriver) Shutdown() error            { return nil }
func (d *SimulatorDriver) Reset() error               { return nil }
func (d *SimulatorDriver) SetConfig(cfg Config) error { return nil }

func (d *SimulatorDriver) SetRxCallback(cb func(*packet.Buffer)) {
	d.mu.Lock()
	d.rxCB = cb
	d.mu.Unlock()
}

// Transmit delivers buf to the connected peer's rx callback, if any.
func (d *SimulatorDriver) Transmit(buf *packet.Buffer) error {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	cb := peer.rxCB
	peer.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
	return nil
}
