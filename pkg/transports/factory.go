// Package transports builds a concrete peer transport from configuration.
package transports

import (
	"fmt"
	"time"

	"peerlink/pkg/config"
	"peerlink/pkg/transport"
	"peerlink/pkg/transport/quic"
)

// FromConfig constructs the transport selected by cfg.Kind.
//
// The mem transport is excluded on purpose: it only exists as a linked
// in-process pair (mem.Pair) and cannot represent one side of a link on its
// own.
func FromConfig(cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Kind {
	case "quic":
		return quic.New(quic.Options{
			Listen:        cfg.Listen,
			Dial:          cfg.Dial,
			RedialInitial: time.Duration(cfg.RedialInitialMS) * time.Millisecond,
			RedialMax:     time.Duration(cfg.RedialMaxMS) * time.Millisecond,
		})
	case "mem":
		return nil, fmt.Errorf("transport %q is in-process only; construct mem.Pair directly", cfg.Kind)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
