// Package protocolhttp provides an HTTP interface to the protocol runner
package protocolhttp

import (
	"errors"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/server"
)

// Description is a protocol as listed over HTTP
type Description struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      []protocol.Param `json:"params"`
}

func describe(p protocol.Protocol) Description {
	return Description{Name: p.Name, Description: p.Description, Params: p.Params.List()}
}

// HTTPRunner wraps a protocol runner in an HTTP interface
type HTTPRunner struct {
	Runner *protocol.Runner

	// Dir holds the results files served by /results
	Dir string

	RouteTable server.RouteTable
}

// NewHTTPRunner returns a new HTTP wrapper with the route table
// pre-populated
func NewHTTPRunner(r *protocol.Runner, dir string) HTTPRunner {
	h := HTTPRunner{Runner: r, Dir: dir}
	h.RouteTable = server.RouteTable{
		{Method: http.MethodGet, Path: "/protocols"}: h.List,
		{Method: http.MethodGet, Path: "/protocol"}:  h.Describe,
		{Method: http.MethodPost, Path: "/run"}:      h.Start,
		{Method: http.MethodPost, Path: "/stop"}:     h.Stop,
		{Method: http.MethodGet, Path: "/status"}:    h.Status,
		{Method: http.MethodGet, Path: "/results"}:   h.Results,
	}
	return h
}

// RT satisfies server.HTTPer
func (h HTTPRunner) RT() server.RouteTable {
	return h.RouteTable
}

// List replies with every protocol, sorted by name
func (h HTTPRunner) List(w http.ResponseWriter, r *http.Request) {
	ps := h.Runner.Registry.Sorted()
	out := make([]Description, len(ps))
	for i, p := range ps {
		out[i] = describe(p)
	}
	server.WriteJSON(w, out)
}

// Describe replies with the protocol named by the name query parameter.
// Names contain slashes, so they are not path segments.
func (h HTTPRunner) Describe(w http.ResponseWriter, r *http.Request) {
	p, err := h.Runner.Registry.Get(r.URL.Query().Get("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	server.WriteJSON(w, describe(p))
}

// Start begins a run described by a protocol.Request body and replies with
// the run.  A busy runner is 409 and an unknown protocol 404.
func (h HTTPRunner) Start(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if !server.DecodeJSON(w, r, &req) {
		return
	}
	run, err := h.Runner.Start(req)
	switch {
	case errors.Is(err, protocol.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, protocol.ErrUnknownProtocol):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.WriteJSON(w, run)
}

// Stop aborts the active run and replies {"bool": true} if there was one
func (h HTTPRunner) Stop(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: h.Runner.Stop()}
	hp.EncodeAndRespond(w, r)
}

// Status replies with the runner status, including the latest sample
func (h HTTPRunner) Status(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, h.Runner.Status())
}

// Results serves the results file of the run named by the id query
// parameter, or of the latest run if none is given
func (h HTTPRunner) Results(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = h.Runner.Status().ID
	}
	if id == "" || h.Dir == "" {
		http.Error(w, "no results", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, id+".csv", h.Dir)
}
