package authctx

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Capability is resolved once by the identity layer and carried through the
// request context. The ledger only ever checks it, never computes it.
type Capability struct {
	// BypassCharge lets a privileged caller perform metered operations
	// without consuming credits. The spend is still recorded for audit.
	BypassCharge bool
}

type capabilityKey struct{}

type actorKey struct{}

// Actor identifies the human (or system) behind the request.
type Actor struct {
	UserID snowflake.ID
	Email  string
}

// WithCapability stores the resolved capability in the context.
func WithCapability(ctx context.Context, cap Capability) context.Context {
	return context.WithValue(ctx, capabilityKey{}, cap)
}

// CapabilityFromContext returns the capability, zero-valued when absent.
func CapabilityFromContext(ctx context.Context) Capability {
	if ctx == nil {
		return Capability{}
	}
	if cap, ok := ctx.Value(capabilityKey{}).(Capability); ok {
		return cap
	}
	return Capability{}
}

// WithActor stores the acting identity in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor from context, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// ParseUserID parses an optional caller-supplied user id; system-initiated
// requests carry none.
func ParseUserID(value string) *snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return nil
	}
	return &id
}
