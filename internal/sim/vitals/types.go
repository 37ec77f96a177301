package vitals

import "time"

// Kind names a replicated scalar type. Every Kind has its own process-wide
// notification channels on the Bus.
type Kind string

const (
	KindHealth Kind = "HEALTH"
	KindHeat   Kind = "HEAT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHealth, KindHeat:
		return true
	}
	return false
}

type EntityID string

// ActorID identifies whoever caused a change. The empty ActorID is the
// "unknown source".
type ActorID string

const UnknownActor ActorID = ""

// Role is what the local process is for a given entity.
type Role int

const (
	RoleObserver Role = iota
	RoleController
	RoleAuthority
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RoleController:
		return "controller"
	default:
		return "observer"
	}
}

type Op string

const (
	OpChange   Op = "CHANGE"
	OpSet      Op = "SET"
	OpSetBound Op = "SET_BOUND"
)

func (o Op) Valid() bool {
	switch o {
	case OpChange, OpSet, OpSetBound:
		return true
	}
	return false
}

// Request is a mutation addressed to the authority of an entity.
type Request struct {
	Entity EntityID
	Kind   Kind
	Op     Op
	Value  float64
	Actor  ActorID
}

// Transport is the part of the network layer the core depends on.
// Authority is assumed fixed for an entity's lifetime.
type Transport interface {
	// Role reports the local role for entity.
	Role(entity EntityID) Role
	// Forward delivers a request to the authority. It must not apply it locally.
	Forward(req Request) error
	// Broadcast sends a committed update to every replica, in order.
	Broadcast(u Update) error
}

// Resolver maps an opaque actor reference to a known acting entity.
type Resolver interface {
	Resolve(actor ActorID) (ActorID, bool)
}

// Scheduler runs recurring work for activated vitals.
type Scheduler interface {
	Now() time.Time
	// Every calls fn at the given cadence until cancel is called.
	Every(interval time.Duration, fn func(now time.Time)) (cancel func())
}

// Lookup resolves an emitter id back to the local Vital.
type Lookup interface {
	Lookup(entity EntityID, kind Kind) (*Vital, bool)
}
