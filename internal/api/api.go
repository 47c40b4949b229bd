// Package api aggregates per-service HTTP endpoints into a single
// router.
//
// Each service contributes a Builder describing its public and private
// endpoints; the dispatcher collects ordered (name, builder) pairs from
// every runtime and Aggregate mounts them. Aggregation is purely
// additive: no conflict resolution is performed, later registrations
// with a colliding path win at the mux level.
package api

import (
	"encoding/json"
	"net/http"
)

// Endpoint is one named HTTP handler exposed by a service.
type Endpoint struct {
	Name    string
	Handler http.HandlerFunc
}

// Builder accumulates a service's endpoints in registration order.
type Builder struct {
	public  []Endpoint
	private []Endpoint
}

// NewBuilder creates an empty endpoint builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Public registers a publicly reachable endpoint.
func (b *Builder) Public(name string, handler http.HandlerFunc) *Builder {
	b.public = append(b.public, Endpoint{Name: name, Handler: handler})
	return b
}

// Private registers a node-operator endpoint.
func (b *Builder) Private(name string, handler http.HandlerFunc) *Builder {
	b.private = append(b.private, Endpoint{Name: name, Handler: handler})
	return b
}

// PublicEndpoints returns the public endpoints in registration order.
func (b *Builder) PublicEndpoints() []Endpoint {
	return b.public
}

// PrivateEndpoints returns the private endpoints in registration order.
func (b *Builder) PrivateEndpoints() []Endpoint {
	return b.private
}

// ServiceAPI pairs a service name with its endpoint builder.
type ServiceAPI struct {
	Name    string
	Builder *Builder
}

// Aggregate mounts every service's endpoints onto a fresh mux.
//
// Paths: /api/services/<service>/<endpoint> for public endpoints and
// /api/private/<service>/<endpoint> for private ones. Pairs are mounted
// in the order given.
func Aggregate(pairs []ServiceAPI) *http.ServeMux {
	mux := http.NewServeMux()
	for _, pair := range pairs {
		for _, ep := range pair.Builder.PublicEndpoints() {
			mux.HandleFunc("/api/services/"+pair.Name+"/"+ep.Name, ep.Handler)
		}
		for _, ep := range pair.Builder.PrivateEndpoints() {
			mux.HandleFunc("/api/private/"+pair.Name+"/"+ep.Name, ep.Handler)
		}
	}
	return mux
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
