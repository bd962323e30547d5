package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/cuemby/topofabric/pkg/topology"
	"github.com/cuemby/topofabric/pkg/types"
)

// reasons maps engine rejections to HTTP statuses and stable reason codes
var reasons = []struct {
	err    error
	code   int
	reason string
}{
	{manager.ErrBadCommand, http.StatusBadRequest, "bad_command"},
	{manager.ErrNotLeader, http.StatusServiceUnavailable, "not_leader"},
	{types.ErrNotFound, http.StatusNotFound, "not_found"},
	{types.ErrAddressOverlap, http.StatusConflict, "address_overlap"},
	{types.ErrTopologyConflict, http.StatusConflict, "topology_conflict"},
	{types.ErrScopeConflict, http.StatusConflict, "scope_conflict"},
	{types.ErrInUse, http.StatusConflict, "in_use"},
	{types.ErrPoolExhausted, http.StatusServiceUnavailable, "pool_exhausted"},
	{types.ErrRetriesExhausted, http.StatusServiceUnavailable, "retries_exhausted"},
}

func classify(err error) (int, string) {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code, r.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, reason := classify(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Reason: reason})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: what + " not initialized", Reason: "unavailable"})
}

// commandsHandler applies a batch of commands in order and stops at the
// first rejection. Commands before it stay applied.
func (s *Server) commandsHandler(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		unavailable(w, "manager")
		return
	}

	var req CommandsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Reason: "bad_command"})
		return
	}

	resp := CommandsResponse{}
	for _, cmd := range req.Commands {
		if err := s.manager.Apply(cmd); err != nil {
			code, reason := classify(err)
			resp.Failed = cmd.Op
			resp.Error = err.Error()
			resp.Reason = reason
			s.logger.Warn().Err(err).Str("op", cmd.Op).Int("applied", resp.Applied).Msg("Command rejected")
			writeJSON(w, code, resp)
			return
		}
		resp.Applied++
	}
	writeJSON(w, http.StatusOK, resp)
}

// topologyHandler lists the connected topologies and every network's current
// fabric identities
func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		unavailable(w, "manager")
		return
	}
	eng := s.manager.Engine()
	namer := eng.Namer()

	view := TopologyView{Components: []ComponentView{}, Networks: []NetworkView{}}
	err := eng.Store().View(r.Context(), func(rd storage.Reader) error {
		comps, err := topology.Components(rd)
		if err != nil {
			return err
		}
		for _, c := range comps {
			view.Components = append(view.Components, newComponentView(c))
		}

		networks, err := rd.ListNetworks()
		if err != nil {
			return err
		}
		sort.Slice(networks, func(i, j int) bool { return networks[i].ID < networks[j].ID })
		for _, n := range networks {
			nv := NetworkView{ID: n.ID, TenantID: n.TenantID, Name: n.Name, Kind: string(n.Flavor())}
			m, err := rd.GetNetworkMapping(n.ID)
			switch {
			case errors.Is(err, types.ErrNotFound):
			case err != nil:
				return err
			default:
				nv.Tenant = m.Tenant()
				nv.RoutingDomain = refString(m.RoutingDomain)
				nv.BridgingDomain = refString(m.BridgingDomain)
				nv.EndpointGroup = refString(m.EndpointGroup)
				nv.ExternalGateway = refString(m.ExternalGateway)
				nv.Routed = !namer.IsUnrouted(m.RoutingDomain)
			}
			view.Networks = append(view.Networks, nv)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) bindingHandler(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		unavailable(w, "manager")
		return
	}
	b, err := s.manager.Engine().PortBinding(r.Context(), r.PathValue("port"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBindingView(b))
}

// reconcileHandler runs a pass synchronously; ?repair=true repairs findings
func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		unavailable(w, "reconciler")
		return
	}
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid repair flag: " + v, Reason: "bad_request"})
			return
		}
		repair = b
	}

	report, err := s.reconciler.Reconcile(r.Context(), repair)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportView(report))
}

func (s *Server) lastReportHandler(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		unavailable(w, "reconciler")
		return
	}
	report := s.reconciler.Last()
	if report == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no reconciliation pass has run", Reason: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, newReportView(report))
}
