package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/model"
)

const maxPublishBody = 1 << 20

// authorize checks that every id is in the caller's subscription set.
func (s *Server) authorize(ctx context.Context, resourceIDs ...string) error {
	userID, _ := auth.UserFromContext(ctx)
	subs, err := s.subscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("membership: %w", err)
	}
	for _, id := range resourceIDs {
		if _, found := slices.BinarySearch(subs, id); !found {
			return fmt.Errorf("%w: %s", directory.ErrForbidden, id)
		}
	}
	return nil
}

func validResource(id string) error {
	if !model.ValidResource(id) {
		return inputError(fmt.Sprintf("invalid resource id %q", id))
	}
	return nil
}

// handleResync handles GET /events/resync?resource_id=&last_sequence=&limit=.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resourceID := q.Get("resource_id")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return
	}
	if err := validResource(resourceID); err != nil {
		writeErr(w, err)
		return
	}

	raw := q.Get("last_sequence")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "last_sequence is required")
		return
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || last < 0 {
		writeError(w, http.StatusBadRequest, "last_sequence must be a non-negative integer")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	if err := s.authorize(r.Context(), resourceID); err != nil {
		writeErr(w, err)
		return
	}

	page, err := s.bus.Resync(r.Context(), resourceID, last, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSequence handles GET /events/sequence?resource_id= and
// GET /events/sequence?resource_ids=a,b,c.
func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if id := q.Get("resource_id"); id != "" {
		if err := validResource(id); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.authorize(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		seq, err := s.bus.CurrentSequence(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resource_id": id, "sequence": seq})
		return
	}

	var ids []string
	for _, id := range strings.Split(q.Get("resource_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "resource_id or resource_ids is required")
		return
	}
	if len(ids) > 200 {
		writeError(w, http.StatusBadRequest, "at most 200 resource_ids")
		return
	}
	for _, id := range ids {
		if err := validResource(id); err != nil {
			writeErr(w, err)
			return
		}
	}
	if err := s.authorize(r.Context(), ids...); err != nil {
		writeErr(w, err)
		return
	}
	seqs, err := s.bus.CurrentSequences(r.Context(), ids)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": seqs})
}

type publishBody struct {
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
}

// handlePublish handles POST /events/publish: the entry point for business
// logic running outside this process. It goes through the same bus.Publish
// as in-process callers.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req := model.PublishRequest{
		Type:       body.Type,
		ActorID:    body.ActorID,
		ResourceID: body.ResourceID,
	}
	if len(body.Payload) > 0 {
		req.Payload = body.Payload
	}
	env, err := s.bus.Publish(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}
