package collab

import (
	"fmt"
	"regexp"
)

const (
	// MaxIDLength bounds workspace and object ids.
	MaxIDLength = 128

	// DefaultMaxBatchItems caps a batch when no limit is configured.
	DefaultMaxBatchItems = 1000
)

var validIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.]+$`)

// ValidateID checks a workspace or object id. Ids become part of storage
// keys, so only A-Z, a-z, 0-9, dash, underscore and dot are allowed.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidRequest, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidRequest, kind, MaxIDLength)
	}
	if !validIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %s contains invalid characters", ErrInvalidRequest, kind)
	}
	return nil
}

// ValidateParams checks one create item.
func ValidateParams(p Params) error {
	if err := ValidateID("object_id", p.ObjectID); err != nil {
		return err
	}
	if !p.CollabType.Valid() {
		return fmt.Errorf("%w: object %s: unknown collab_type %d", ErrInvalidRequest, p.ObjectID, int(p.CollabType))
	}
	if len(p.EncodedCollab) == 0 {
		return fmt.Errorf("%w: object %s: encoded_collab_v1 is empty", ErrInvalidRequest, p.ObjectID)
	}
	return nil
}

// ValidateBatchCreate rejects structurally invalid batch creates. An empty
// batch is always invalid. maxItems <= 0 means DefaultMaxBatchItems.
func ValidateBatchCreate(req BatchCreateParams, maxItems int) error {
	if err := ValidateID("workspace_id", req.WorkspaceID); err != nil {
		return err
	}
	if len(req.Params) == 0 {
		return ErrEmptyBatch
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxBatchItems
	}
	if len(req.Params) > maxItems {
		return fmt.Errorf("%w: batch of %d items exceeds limit of %d", ErrInvalidRequest, len(req.Params), maxItems)
	}
	for _, p := range req.Params {
		if err := ValidateParams(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBatchQuery rejects structurally invalid batch reads. An empty
// query list is valid and resolves to an empty result.
func ValidateBatchQuery(req BatchQueryParams, maxItems int) error {
	if err := ValidateID("workspace_id", req.WorkspaceID); err != nil {
		return err
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxBatchItems
	}
	if len(req.Queries) > maxItems {
		return fmt.Errorf("%w: batch of %d queries exceeds limit of %d", ErrInvalidRequest, len(req.Queries), maxItems)
	}
	for _, q := range req.Queries {
		if err := ValidateID("object_id", q.ObjectID); err != nil {
			return err
		}
		if !q.CollabType.Valid() {
			return fmt.Errorf("%w: object %s: unknown collab_type %d", ErrInvalidRequest, q.ObjectID, int(q.CollabType))
		}
	}
	return nil
}

// ValidateIdentity checks an identity used by single-object operations.
func ValidateIdentity(id Identity) error {
	if err := ValidateID("workspace_id", id.WorkspaceID); err != nil {
		return err
	}
	if err := ValidateID("object_id", id.ObjectID); err != nil {
		return err
	}
	if !id.Type.Valid() {
		return fmt.Errorf("%w: unknown collab_type %d", ErrInvalidRequest, int(id.Type))
	}
	return nil
}
