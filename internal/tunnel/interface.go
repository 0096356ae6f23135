package tunnel

import (
	"context"
	"errors"

	"bdt/internal/protocol"
	"bdt/internal/types"
)

var (
	ErrTunnelClosed  = errors.New("tunnel is closed")
	ErrManagerClosed = errors.New("tunnel manager is closed")
	ErrNoHandler     = errors.New("tunnel manager has no package handler")
	ErrNoConnector   = errors.New("tunnel manager has no connector")
)

// Tunnel est une connexion de transport vers un pair.
type Tunnel interface {
	Remote() types.DeviceId
	Send(ctx context.Context, pkg protocol.Package) error
	Close(reason string) error
	// Done est fermé quand le tunnel est fermé, localement ou par le pair.
	Done() <-chan struct{}
}

// Handler reçoit les packages des tunnels.
type Handler interface {
	// OnTunnelEstablished est appelé avec la première unité d'un tunnel entrant.
	// Une erreur refuse le tunnel.
	OnTunnelEstablished(ctx context.Context, first protocol.Package, t Tunnel) error
	OnPackage(t Tunnel, pkg protocol.Package)
}

// Connector établit un tunnel sortant vers desc. Les packages reçus sont remis à h.
type Connector interface {
	Connect(ctx context.Context, desc types.DeviceDesc, h Handler) (Tunnel, error)
}

func isClosed(t Tunnel) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
