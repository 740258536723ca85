package core

import (
	"context"
	"net/netip"

	"github.com/openfabric/fabricd/state"
)

// FibClientId identifies this control plane to the forwarding agent; sync
// calls replace the entire table owned by this id.
const FibClientId int16 = 786

// FibAgent is the platform forwarding agent. The wire schema is opaque to
// the control plane; every call is an idempotent, blocking RPC.
type FibAgent interface {
	AddUnicastRoutes(ctx context.Context, clientId int16, routes []state.UnicastRoute) error
	DelUnicastRoutes(ctx context.Context, clientId int16, prefixes []netip.Prefix) error
	SyncFib(ctx context.Context, clientId int16, routes []state.UnicastRoute) error

	AddMplsRoutes(ctx context.Context, clientId int16, routes []state.MplsRoute) error
	DelMplsRoutes(ctx context.Context, clientId int16, labels []int32) error
	SyncMplsFib(ctx context.Context, clientId int16, routes []state.MplsRoute) error

	// AliveSince returns the epoch at which the agent last started. Any
	// change means the agent restarted and lost its table.
	AliveSince(ctx context.Context) (int64, error)
}
