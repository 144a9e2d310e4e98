package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jrsteele09/go-listsync/client"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/versions"
)

// Resources reads and writes versioned entities. Every version the backend
// returns is observed in the cache so edits always carry the freshest one.
type Resources struct {
	caller Caller
	cache  *versions.Cache
}

func NewResources(caller Caller, cache *versions.Cache) *Resources {
	return &Resources{caller: caller, cache: cache}
}

func (r *Resources) Cache() *versions.Cache {
	return r.cache
}

// Get loads ref into out.
func (r *Resources) Get(ctx context.Context, ref versions.Ref, out Versioned) error {
	if err := r.caller.Call(ctx, http.MethodGet, ref.Path(), nil, out); err != nil {
		return r.readFailed(ref, fmt.Errorf("[Resources Get] %s: %w", ref, err))
	}
	r.cache.Observe(ref, out.GetVersion())
	return nil
}

// Refetch reloads only the version of ref. It is the refetch hook for change
// events; a deleted entity is dropped from the cache.
func (r *Resources) Refetch(ctx context.Context, ref versions.Ref) error {
	var meta Meta
	return r.Get(ctx, ref, &meta)
}

// List loads every entity of kind into out, which must point to a slice.
func (r *Resources) List(ctx context.Context, kind versions.Kind, out any) error {
	raw, err := r.caller.CallRaw(ctx, http.MethodGet, "/"+string(kind), nil)
	if err != nil {
		return fmt.Errorf("[Resources List] %s: %w", kind, err)
	}
	if raw == nil {
		return nil
	}
	var metas []Meta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return fmt.Errorf("[Resources List] failed to decode %s: %w", kind, err)
	}
	for _, m := range metas {
		r.cache.Observe(versions.Ref{Kind: kind, ID: m.ID}, m.Version)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("[Resources List] failed to decode %s: %w", kind, err)
	}
	return nil
}

// Create posts payload to the kind's collection and decodes the created
// entity into out.
func (r *Resources) Create(ctx context.Context, kind versions.Kind, payload any, out Versioned) error {
	if err := r.caller.Call(ctx, http.MethodPost, "/"+string(kind), payload, out); err != nil {
		return fmt.Errorf("[Resources Create] %s: %w", kind, err)
	}
	r.cache.Observe(versions.Ref{Kind: kind, ID: out.GetID()}, out.GetVersion())
	return nil
}

// Update writes payload for the entity being edited. The version sent is the
// latest one in the cache at the moment of sending, not the one seen when the
// edit was opened. A stale version is reported as errors.ErrConflict and the
// entity is marked stale so the caller can refetch and retry.
func (r *Resources) Update(ctx context.Context, edit *versions.EditSession, payload any, out Versioned) error {
	ref := edit.Ref()
	err := edit.Submit(ctx, func(ctx context.Context, version int64) (int64, error) {
		body, err := withVersion(payload, version)
		if err != nil {
			return 0, err
		}
		if err := r.caller.Call(ctx, http.MethodPut, ref.Path(), body, out); err != nil {
			return 0, err
		}
		return out.GetVersion(), nil
	})
	if err == nil {
		return nil
	}
	if isStatus(err, http.StatusConflict) {
		r.cache.Invalidate(ref)
		return fmt.Errorf("[Resources Update] %s: %w: %w", ref, errors.ErrConflict, err)
	}
	return fmt.Errorf("[Resources Update] %s: %w", ref, err)
}

// Delete removes ref, guarded by its cached version when one is known.
func (r *Resources) Delete(ctx context.Context, ref versions.Ref) error {
	path := ref.Path()
	if v, ok := r.cache.Latest(ref); ok {
		path += "?version=" + strconv.FormatInt(v, 10)
	}
	if err := r.caller.Call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if isStatus(err, http.StatusConflict) {
			r.cache.Invalidate(ref)
			return fmt.Errorf("[Resources Delete] %s: %w: %w", ref, errors.ErrConflict, err)
		}
		return r.readFailed(ref, fmt.Errorf("[Resources Delete] %s: %w", ref, err))
	}
	r.cache.Forget(ref)
	return nil
}

// Upload stores a binary file, e.g. a profile or product image.
func (r *Resources) Upload(ctx context.Context, filename string, content io.Reader) (*Upload, error) {
	var out Upload
	if err := r.caller.UploadBinary(ctx, RouteUploads, filename, content, &out); err != nil {
		return nil, fmt.Errorf("[Resources Upload] %w", err)
	}
	return &out, nil
}

// readFailed forgets entities the backend no longer has.
func (r *Resources) readFailed(ref versions.Ref, err error) error {
	if isStatus(err, http.StatusNotFound) {
		r.cache.Forget(ref)
		return fmt.Errorf("%w: %w", errors.ErrNotFound, err)
	}
	return err
}

// withVersion encodes payload as an object and sets its version field.
func withVersion(payload any, version int64) (map[string]any, error) {
	body := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("[withVersion] failed to encode payload: %w", err)
		}
		if err := json.Unmarshal(b, &body); err != nil {
			return nil, fmt.Errorf("[withVersion] payload must encode to an object: %w", err)
		}
	}
	body["version"] = version
	return body, nil
}

func isStatus(err error, status int) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
