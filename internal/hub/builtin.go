// ABOUTME: Builtin native capability server exposing hub introspection.
// ABOUTME: Lists registered servers as a tool, a resource, and a per-server template.

package hub

import (
	"context"
	"encoding/json"

	"github.com/conclave-sh/conclave/internal/native"
)

const builtinName = "hub"

// builtin constructs the hub's own capability server. It runs in-process and
// answers from the live registry, so its output always reflects current state.
func (h *Hub) builtin() *native.Server {
	srv := native.NewServer(builtinName, "Conclave Hub", h.logger)

	srv.Tool("list_servers", "List all registered capability servers and their status",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx context.Context, req *native.Request, res *native.ToolResponse) {
			data, err := json.MarshalIndent(h.registry.List(), "", "  ")
			if err != nil {
				res.Error(err.Error())
				return
			}
			res.Text(string(data)).Send()
		})

	srv.Resource("hub://servers", "servers", "All registered servers", "application/json",
		func(ctx context.Context, req *native.Request, res *native.ResourceResponse) {
			data, err := json.Marshal(h.registry.List())
			if err != nil {
				res.Error(err)
				return
			}
			res.Text(string(data)).Send()
		})

	// Registration order matters: the fixed hub://servers URI above wins over
	// this template on exact match.
	_ = srv.ResourceTemplate("hub://servers/{name}", "server", "One server by name", "application/json",
		func(ctx context.Context, req *native.Request, res *native.ResourceResponse) {
			name := req.Params["name"]
			for _, info := range h.registry.List() {
				if info.Name == name {
					data, err := json.Marshal(info)
					if err != nil {
						res.Error(err)
						return
					}
					res.Text(string(data)).Send()
					return
				}
			}
			res.Error(native.ErrNotFound)
		})

	return srv
}
