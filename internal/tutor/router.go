package tutor

import (
	"context"
	"log/slog"

	"github.com/concord-consortium/guide-server/internal/model"
)

// Dispatch keys for the events the tutor understands.
var (
	SessionStarted     = model.Triple{Actor: model.ActorSystem, Action: "STARTED", Target: "SESSION"}
	SessionEnded       = model.Triple{Actor: model.ActorSystem, Action: "ENDED", Target: "SESSION"}
	ChallengeNavigated = model.Triple{Actor: model.ActorUser, Action: "NAVIGATED", Target: "CHALLENGE"}
	AlleleChanged      = model.Triple{Actor: model.ActorUser, Action: "CHANGED", Target: "ALLELE"}
	OrganismSubmitted  = model.Triple{Actor: model.ActorUser, Action: "SUBMITTED", Target: "ORGANISM"}
)

// HandlerFunc handles one event and returns an optional reply.
type HandlerFunc func(ctx context.Context, st *model.Student, sess *model.Session, ev model.Event) (*model.Dialog, error)

// Route binds an event triple to a handler.
type Route struct {
	Triple model.Triple
	Name   string
	Handle HandlerFunc
}

// Router is an ordered dispatch table.
type Router struct {
	routes []Route
}

// NewRouter creates a router with routes in the given order.
func NewRouter(routes ...Route) *Router {
	return &Router{routes: routes}
}

// Add appends a route.
func (r *Router) Add(rt Route) {
	r.routes = append(r.routes, rt)
}

// Routes returns the dispatch table in order.
func (r *Router) Routes() []Route {
	return r.routes
}

// Match returns the route for ev. No match is a normal outcome; several matches
// are a configuration error and the first one is used.
func (r *Router) Match(ev model.Event) (Route, bool) {
	var matched []Route
	for _, rt := range r.routes {
		if ev.IsMatch(rt.Triple) {
			matched = append(matched, rt)
		}
	}
	switch len(matched) {
	case 0:
		slog.Warn("no handler for event", "event", ev.String())
		return Route{}, false
	case 1:
	default:
		names := make([]string, len(matched))
		for i, rt := range matched {
			names[i] = rt.Name
		}
		slog.Error("multiple handlers match event, using the first", "event", ev.String(), "handlers", names)
	}
	return matched[0], true
}
