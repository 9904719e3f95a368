package port

import (
	"github.com/switchsim/switchsim/pkg/packet"
)

// Driver is the contract a port driver exposes to the core:
// init/transmit/shutdown plus optional reset/stats/config hooks. The core
// only calls operations whose corresponding Capability bit the driver has
// declared.
type Driver interface {
	Type() DriverType
	Capabilities() Capability

	Init() error
	Shutdown() error

	// Transmit sends buf on the wire. The driver takes ownership of buf.
	Transmit(buf *packet.Buffer) error

	// SetRxCallback registers the function the driver invokes for each
	// frame it receives. Drivers without CapRx never call it.
	SetRxCallback(cb func(*packet.Buffer))

	Reset() error
	SetConfig(cfg Config) error
}

// RxFunc is the signature PortTable uses to hand a received frame to the
// pipeline.
type RxFunc func(buf *packet.Buffer, ingressPort uint16)
