package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Create requests have been sent in two JSON layouts over time:
//
//	legacy:    {"workspace_id", "object_id", "encoded_collab_v1", "collab_type"}
//	canonical: {"workspace_id", "inner": {"object_id", "encoded_collab_v1",
//	            "collab_type", "override_if_exist"}}
//
// Each layout has its own adapter below; both produce the same CreateParams.

// wireParams mirrors Params with pointers so absent fields can be detected.
type wireParams struct {
	ObjectID        *string `json:"object_id"`
	EncodedCollab   *Bytes  `json:"encoded_collab_v1"`
	CollabType      *Type   `json:"collab_type"`
	OverrideIfExist *bool   `json:"override_if_exist"`
}

type legacyCreateShape struct {
	WorkspaceID string `json:"workspace_id"`
	wireParams
}

type canonicalCreateShape struct {
	WorkspaceID string      `json:"workspace_id"`
	Inner       *wireParams `json:"inner"`
}

// FromWireShape decodes a single-create request body in either layout.
// Unknown fields are ignored. A missing override_if_exist means false.
func FromWireShape(data []byte) (CreateParams, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return CreateParams{}, fmt.Errorf("%w: body must be a JSON object: %v", ErrInvalidRequest, err)
	}
	if inner, ok := probe["inner"]; ok && isJSONObject(inner) {
		return fromCanonicalShape(data)
	}
	return fromLegacyShape(data)
}

func fromLegacyShape(data []byte) (CreateParams, error) {
	var shape legacyCreateShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return CreateParams{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params, err := shape.wireParams.canonical()
	if err != nil {
		return CreateParams{}, err
	}
	return CreateParams{WorkspaceID: shape.WorkspaceID, Params: params}, nil
}

func fromCanonicalShape(data []byte) (CreateParams, error) {
	var shape canonicalCreateShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return CreateParams{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	params, err := shape.Inner.canonical()
	if err != nil {
		return CreateParams{}, err
	}
	return CreateParams{WorkspaceID: shape.WorkspaceID, Params: params}, nil
}

func (w *wireParams) canonical() (Params, error) {
	if w == nil {
		return Params{}, fmt.Errorf("%w: missing create params", ErrInvalidRequest)
	}
	switch {
	case w.ObjectID == nil:
		return Params{}, fmt.Errorf("%w: missing field object_id", ErrInvalidRequest)
	case w.EncodedCollab == nil:
		return Params{}, fmt.Errorf("%w: missing field encoded_collab_v1", ErrInvalidRequest)
	case w.CollabType == nil:
		return Params{}, fmt.Errorf("%w: missing field collab_type", ErrInvalidRequest)
	}
	p := Params{
		ObjectID:      *w.ObjectID,
		EncodedCollab: *w.EncodedCollab,
		CollabType:    *w.CollabType,
	}
	if w.OverrideIfExist != nil {
		p.OverrideIfExist = *w.OverrideIfExist
	}
	return p, nil
}

// MarshalJSON emits the canonical layout.
func (p CreateParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		WorkspaceID string `json:"workspace_id"`
		Inner       Params `json:"inner"`
	}{
		WorkspaceID: p.WorkspaceID,
		Inner:       p.Params,
	})
}

// UnmarshalJSON accepts either layout.
func (p *CreateParams) UnmarshalJSON(data []byte) error {
	parsed, err := FromWireShape(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseQueryParams decodes a single-read request body
// ({"workspace_id", "inner": {"object_id", "collab_type"}}); the flat
// {"workspace_id", "object_id", "collab_type"} layout is accepted too.
func ParseQueryParams(data []byte) (QueryParams, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return QueryParams{}, fmt.Errorf("%w: body must be a JSON object: %v", ErrInvalidRequest, err)
	}
	if inner, ok := probe["inner"]; ok && isJSONObject(inner) {
		var q QueryParams
		if err := json.Unmarshal(data, &q); err != nil {
			return QueryParams{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return q, nil
	}
	var flat struct {
		WorkspaceID string `json:"workspace_id"`
		Query
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return QueryParams{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return QueryParams{WorkspaceID: flat.WorkspaceID, Inner: flat.Query}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
