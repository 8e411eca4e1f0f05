package core

import (
	"fmt"
	"sync"
)

// Request asks for a new operation. It is what callers hand to the gate.
type Request struct {
	Type           OperationType  `json:"operation_type" validate:"required,max=64"`
	Classification Classification `json:"classification,omitempty" validate:"omitempty,oneof=major minor"`
	Description    string         `json:"description" validate:"required,max=500"`
	CreatedBy      string         `json:"created_by" validate:"required,max=200"`
	TotalItems     int            `json:"total_items" validate:"gte=0"`
	Context        map[string]any `json:"context,omitempty"`
}

// TypeRegistry maps operation types to their classification.
// It is safe for concurrent use.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[OperationType]Classification
}

// DefaultTypeRegistry returns a registry seeded with the built-in operation types.
func DefaultTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: map[OperationType]Classification{
			OpRescoring:         ClassMajor,
			OpUniverseRebuild:   ClassMajor,
			OpBulkEnrichment:    ClassMajor,
			OpBulkScoring:       ClassMajor,
			OpContactEnrichment: ClassMinor,
			OpDealEnrichment:    ClassMinor,
			OpBuyerImport:       ClassMinor,
		},
	}
}

// Register adds or replaces an operation type.
func (r *TypeRegistry) Register(t OperationType, c Classification) error {
	if !c.Valid() {
		return ErrValidation(CodeInvalidRequest, fmt.Sprintf("invalid classification %q", c))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = c
	return nil
}

// Lookup returns the classification registered for t.
func (r *TypeRegistry) Lookup(t OperationType) (Classification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.types[t]
	return c, ok
}

// Types lists the registered operation types.
func (r *TypeRegistry) Types() map[OperationType]Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[OperationType]Classification, len(r.types))
	for k, v := range r.types {
		out[k] = v
	}
	return out
}

// Resolve validates req and determines its classification: an explicit
// classification wins, otherwise the registry decides. Unknown types without an
// explicit classification are rejected.
func (r *TypeRegistry) Resolve(req Request) (Classification, error) {
	if err := Validate(req); err != nil {
		return "", err
	}
	if req.Classification != "" {
		return req.Classification, nil
	}
	c, ok := r.Lookup(req.Type)
	if !ok {
		return "", ErrValidation(CodeUnknownType,
			fmt.Sprintf("unknown operation type %q and no classification given", req.Type))
	}
	return c, nil
}

// NewRecord builds an unsaved record from a request.
func NewRecord(req Request, class Classification) *OperationRecord {
	rec := &OperationRecord{
		Type:           req.Type,
		Classification: class,
		TotalItems:     req.TotalItems,
		Description:    req.Description,
		CreatedBy:      req.CreatedBy,
		ErrorLog:       []ErrorEntry{},
	}
	if req.Context != nil {
		rec.Context = make(map[string]any, len(req.Context))
		for k, v := range req.Context {
			rec.Context[k] = v
		}
	}
	return rec
}
