package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

// pathID returns the {id} route variable, which must be a UUID.
func pathID(req *http.Request) (string, error) {
	id := mux.Vars(req)["id"]
	if err := uuid.Validate(id); err != nil {
		return "", errors.Validationf("invalid id %q", id)
	}
	return id, nil
}

// matchID fills an omitted body id from the path and rejects a mismatch.
func matchID(pathID string, bodyID *string) error {
	if *bodyID == "" {
		*bodyID = pathID
	}
	if *bodyID != pathID {
		return errors.Validationf("body id %s does not match path id %s", *bodyID, pathID)
	}
	return nil
}

func (r *Router) listTags(w http.ResponseWriter, req *http.Request) {
	tags, err := r.records.ListTags(req.Context())
	if err != nil {
		r.respondError(w, err)
		return
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	respondJSON(w, http.StatusOK, tags)
}

// putTag creates or replaces a tag; a retried create is harmless.
func (r *Router) putTag(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	var tag models.Tag
	if err := r.decodeWithID(w, req, id, &tag, &tag.ID); err != nil {
		r.respondError(w, err)
		return
	}
	tag.ScannedAt = tag.ScannedAt.UTC()

	stored, change, err := r.records.UpsertTag(req.Context(), tag)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	respondJSON(w, http.StatusOK, stored)
}

func (r *Router) patchTag(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	var fields models.TagFields
	if err := r.decode(w, req, &fields); err != nil {
		r.respondError(w, err)
		return
	}
	if fields.Empty() {
		r.respondError(w, errors.Validation("no fields to update"))
		return
	}

	stored, change, err := r.records.PatchTag(req.Context(), id, fields)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	respondJSON(w, http.StatusOK, stored)
}

// deleteTag answers 204 whether or not the tag existed.
func (r *Router) deleteTag(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	change, err := r.records.DeleteTag(req.Context(), id)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) listBatches(w http.ResponseWriter, req *http.Request) {
	batches, err := r.records.ListBatches(req.Context())
	if err != nil {
		r.respondError(w, err)
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	respondJSON(w, http.StatusOK, batches)
}

func (r *Router) putBatch(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	var batch models.Batch
	if err := r.decodeWithID(w, req, id, &batch, &batch.ID); err != nil {
		r.respondError(w, err)
		return
	}
	batch.CreatedAt = batch.CreatedAt.UTC()

	stored, change, err := r.records.UpsertBatch(req.Context(), batch)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	respondJSON(w, http.StatusOK, stored)
}

func (r *Router) patchBatch(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	var fields models.BatchFields
	if err := r.decode(w, req, &fields); err != nil {
		r.respondError(w, err)
		return
	}
	if fields.Empty() {
		r.respondError(w, errors.Validation("no fields to update"))
		return
	}

	stored, change, err := r.records.PatchBatch(req.Context(), id, fields)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	respondJSON(w, http.StatusOK, stored)
}

// deleteBatch answers 409 while tags still reference the batch.
func (r *Router) deleteBatch(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	change, err := r.records.DeleteBatch(req.Context(), id)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(req.Context(), change)
	w.WriteHeader(http.StatusNoContent)
}

// decodeWithID decodes a full record whose id may be omitted from the body.
// The id is filled from the path before validation runs.
func (r *Router) decodeWithID(w http.ResponseWriter, req *http.Request, id string, dst any, bodyID *string) error {
	if err := r.decodeRaw(w, req, dst); err != nil {
		return err
	}
	if err := matchID(id, bodyID); err != nil {
		return err
	}
	if err := r.validate.Struct(dst); err != nil {
		return errors.ValidationWithDetails("invalid request payload", validationDetails(err))
	}
	return nil
}
