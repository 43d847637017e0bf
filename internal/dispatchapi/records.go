package dispatchapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentworkforce/fieldsync/internal/entity"
	"github.com/agentworkforce/fieldsync/internal/recordstore"
	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

type collection struct {
	kind   entity.Kind
	scope  string
	bucket string
}

func (c collection) channel() string {
	return entity.ChannelName(c.kind, c.scope)
}

// Bucket is the storage bucket holding records of kind under scope.
func Bucket(kind entity.Kind, scope string) string {
	if kind.Scoped() {
		return "reports/" + scope + "/messages"
	}
	return string(kind)
}

func resolveCollection(r *http.Request) (collection, error) {
	vars := mux.Vars(r)
	if reportID, ok := vars["reportID"]; ok {
		reportID = strings.TrimSpace(reportID)
		if reportID == "" {
			return collection{}, errors.New("report id is required")
		}
		return collection{kind: entity.KindMessages, scope: reportID, bucket: Bucket(entity.KindMessages, reportID)}, nil
	}
	kind, err := entity.ParseKind(vars["collection"])
	if err != nil {
		return collection{}, err
	}
	if kind.Scoped() {
		return collection{}, fmt.Errorf("%s are only served under a report", kind)
	}
	return collection{kind: kind, bucket: Bucket(kind, "")}, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	coll, err := resolveCollection(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
		return
	}
	docs, err := s.backend.List(r.Context(), coll.bucket)
	if err != nil {
		s.storageFailure(w, "list", coll, err, correlationID)
		return
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		out = append(out, json.RawMessage(doc))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	coll, err := resolveCollection(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
		return
	}
	obj, ok := s.decodeObjectBody(w, r, correlationID)
	if !ok {
		return
	}
	if coll.kind.Scoped() {
		if _, err := s.backend.Get(r.Context(), Bucket(entity.KindReports, ""), coll.scope); err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "report "+coll.scope+" not found", correlationID)
				return
			}
			s.storageFailure(w, "create", coll, err, correlationID)
			return
		}
	}

	id, _ := obj["id"].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.backend.Get(r.Context(), coll.bucket, id); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s %s already exists", coll.kind, id), correlationID)
		return
	}
	obj["id"] = id
	applyServerFields(coll, obj, s.now(), true)

	doc, ok := s.validated(w, coll, obj, correlationID)
	if !ok {
		return
	}
	if err := s.backend.Put(r.Context(), coll.bucket, id, doc); err != nil {
		s.storageFailure(w, "create", coll, err, correlationID)
		return
	}
	s.hub.Publish(coll.channel(), syncstate.EventCreated, json.RawMessage(doc))
	writeData(w, http.StatusCreated, json.RawMessage(doc))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	coll, err := resolveCollection(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
		return
	}
	id := mux.Vars(r)["id"]
	existing, err := s.backend.Get(r.Context(), coll.bucket, id)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", coll.kind, id), correlationID)
			return
		}
		s.storageFailure(w, "update", coll, err, correlationID)
		return
	}
	patch, ok := s.decodeObjectBody(w, r, correlationID)
	if !ok {
		return
	}
	var current map[string]any
	if err := json.Unmarshal(existing, &current); err != nil || current == nil {
		s.storageFailure(w, "update", coll, fmt.Errorf("stored %s %s is corrupt: %v", coll.kind, id, err), correlationID)
		return
	}
	for key, value := range patch {
		if immutableField(coll.kind, key) {
			continue
		}
		current[key] = value
	}
	applyServerFields(coll, current, s.now(), false)

	doc, ok := s.validated(w, coll, current, correlationID)
	if !ok {
		return
	}
	if err := s.backend.Put(r.Context(), coll.bucket, id, doc); err != nil {
		s.storageFailure(w, "update", coll, err, correlationID)
		return
	}
	s.hub.Publish(coll.channel(), syncstate.EventUpdated, json.RawMessage(doc))
	writeData(w, http.StatusOK, json.RawMessage(doc))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	coll, err := resolveCollection(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.backend.Delete(r.Context(), coll.bucket, id); err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", coll.kind, id), correlationID)
			return
		}
		s.storageFailure(w, "delete", coll, err, correlationID)
		return
	}
	payload := map[string]string{"id": id}
	s.hub.Publish(coll.channel(), syncstate.EventDeleted, payload)
	writeData(w, http.StatusOK, payload)
}

func (s *Server) validated(w http.ResponseWriter, coll collection, obj map[string]any, correlationID string) ([]byte, bool) {
	doc, err := json.Marshal(obj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "record is not encodable", correlationID)
		return nil, false
	}
	if err := entity.Validate(coll.kind, doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error(), correlationID)
		return nil, false
	}
	return doc, true
}

func (s *Server) storageFailure(w http.ResponseWriter, op string, coll collection, err error, correlationID string) {
	s.logf("%s %s (%s) failed: %v", op, coll.kind, coll.bucket, err)
	writeError(w, http.StatusInternalServerError, "storage failure", correlationID)
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func immutableField(kind entity.Kind, key string) bool {
	switch key {
	case "id", "created_at":
		return true
	case "report_id":
		return kind == entity.KindMessages
	default:
		return false
	}
}

// applyServerFields fills the fields the service owns: timestamps, the
// parent id of scoped records, and defaults for a new record.
func applyServerFields(coll collection, obj map[string]any, now time.Time, creating bool) {
	stamp := now.UTC().Format(time.RFC3339Nano)
	setDefault := func(key string, value any) {
		if _, ok := obj[key]; !ok {
			obj[key] = value
		}
	}
	switch coll.kind {
	case entity.KindReports:
		if creating {
			setDefault("status", string(entity.ReportPending))
			obj["created_at"] = stamp
		}
		obj["updated_at"] = stamp
	case entity.KindAgents:
		obj["updated_at"] = stamp
	case entity.KindZones:
		if creating {
			setDefault("active", true)
		}
		obj["updated_at"] = stamp
	case entity.KindNotifications:
		if creating {
			setDefault("read", false)
			obj["created_at"] = stamp
		}
	case entity.KindMessages:
		obj["report_id"] = coll.scope
		if creating {
			obj["created_at"] = stamp
		}
	}
}
