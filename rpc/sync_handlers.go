package rpc

import (
	"encoding/json"
	"net/http"

	"trustmesh/core/events"
)

const maxEventPageSize = 500

type syncEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

type syncEventsResult struct {
	Events []events.Entry `json:"events"`
	Latest uint64         `json:"latest"`
}

type syncStatusResult struct {
	LatestSequence uint64 `json:"latestSequence"`
}

// handleSyncEvents pages through the combined ledger event feed. The
// bridge daemon polls this with its last acknowledged sequence.
func (s *Server) handleSyncEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params := syncEventsParams{}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	limit := params.Limit
	if limit <= 0 || limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	entries := s.node.EventsSince(params.After, limit)
	if entries == nil {
		entries = []events.Entry{}
	}
	writeResult(w, req.ID, syncEventsResult{
		Events: entries,
		Latest: s.node.LastEventSequence(),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, syncStatusResult{LatestSequence: s.node.LastEventSequence()})
}
