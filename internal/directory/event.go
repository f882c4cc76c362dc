package directory

import (
	"net/netip"

	"firestige.xyz/ztun/internal/core"
)

// Action is what happened to the subject of an event.
type Action int

const (
	Added Action = iota
	Removed
	Changed
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Event is a directory change. The set of events is closed: every variant
// is dispatched through a Visitor method, so a new variant cannot be added
// without every visitor handling it.
type Event interface {
	// Identity is the ordering key; events of one identity apply in order.
	Identity() string
	Accept(v Visitor) error
	event()
}

// Visitor handles each event variant.
type Visitor interface {
	VisitContext(e *ContextEvent) error
	VisitRouter(e *RouterEvent) error
	VisitService(e *ServiceEvent) error
}

// ContextEvent reports an identity becoming active or inactive.
type ContextEvent struct {
	Name   string
	Action Action
}

// RouterEvent installs or removes an intercept.
type RouterEvent struct {
	Target    core.Target
	Intercept netip.AddrPort
	Action    Action
}

// ServiceEvent reports a service appearing, disappearing or changing.
type ServiceEvent struct {
	Owner   string
	Service Service
	Action  Action
}

func (e *ContextEvent) Identity() string { return e.Name }
func (e *RouterEvent) Identity() string  { return e.Target.Identity }
func (e *ServiceEvent) Identity() string { return e.Owner }

func (e *ContextEvent) Accept(v Visitor) error { return v.VisitContext(e) }
func (e *RouterEvent) Accept(v Visitor) error  { return v.VisitRouter(e) }
func (e *ServiceEvent) Accept(v Visitor) error { return v.VisitService(e) }

func (*ContextEvent) event() {}
func (*RouterEvent) event()  {}
func (*ServiceEvent) event() {}
