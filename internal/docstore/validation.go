package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	defaultRejection = "invalid document"
	schemaResource   = "revdb://document.schema.json"
)

// Verdict is the outcome of one validator.
type Verdict struct {
	rejected bool
	reason   string
}

// Accept lets the write through.
func Accept() Verdict {
	return Verdict{}
}

// Reject refuses the write with reason.
func Reject(reason string) Verdict {
	if reason == "" {
		reason = defaultRejection
	}
	return Verdict{rejected: true, reason: reason}
}

// Accepted reports whether the verdict lets the write through.
func (verdict Verdict) Accepted() bool {
	return !verdict.rejected
}

// Reason returns the rejection message.
func (verdict Verdict) Reason() string {
	return verdict.reason
}

// ValidationCandidate is what a validator sees: the revision about to be stored, the revision it
// replaces (nil for a new document or an unknown parent) and the requested parent ID.
type ValidationCandidate struct {
	New      *revision.Revision
	Previous *revision.Revision
	ParentID revision.ID
}

// ChangedKeys lists the top-level keys whose values differ between Previous and New, sorted.
func (candidate ValidationCandidate) ChangedKeys() []string {
	var previous revision.Body
	if candidate.Previous != nil {
		previous = candidate.Previous.Body
	}
	var current revision.Body
	if candidate.New != nil {
		current = candidate.New.Body
	}
	changed := make([]string, 0)
	for key, value := range current {
		old, ok := previous[key]
		if !ok || !sameValue(old, value) {
			changed = append(changed, key)
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// sameValue compares JSON values by their encoding, so a stored json.Number equals the int or
// float64 a caller passed in.
func sameValue(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return reflect.DeepEqual(left, right)
	}
	return bytes.Equal(leftJSON, rightJSON)
}

// Validator decides whether a write may proceed. A returned error is an internal fault, not a
// rejection.
type Validator func(ctx context.Context, candidate ValidationCandidate) (Verdict, error)

// Filter selects revisions for a changes feed.
type Filter func(rev *revision.Revision, params map[string]any) bool

// Registry holds the named validators and filters of one store.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	filters    map[string]Filter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
		filters:    make(map[string]Filter),
	}
}

// SetValidator registers validator under name; nil removes it.
func (registry *Registry) SetValidator(name string, validator Validator) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if validator == nil {
		delete(registry.validators, name)
		return
	}
	registry.validators[name] = validator
}

// Validator returns the validator registered under name.
func (registry *Registry) Validator(name string) (Validator, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	validator, ok := registry.validators[name]
	return validator, ok
}

// SetFilter registers filter under name; nil removes it.
func (registry *Registry) SetFilter(name string, filter Filter) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if filter == nil {
		delete(registry.filters, name)
		return
	}
	registry.filters[name] = filter
}

// Filter returns the filter registered under name.
func (registry *Registry) Filter(name string) (Filter, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	filter, ok := registry.filters[name]
	return filter, ok
}

type namedValidator struct {
	name      string
	validator Validator
}

// sortedValidators returns the validators in name order.
func (registry *Registry) sortedValidators() []namedValidator {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	validators := make([]namedValidator, 0, len(registry.validators))
	for name, validator := range registry.validators {
		validators = append(validators, namedValidator{name: name, validator: validator})
	}
	sort.Slice(validators, func(left, right int) bool {
		return validators[left].name < validators[right].name
	})
	return validators
}

// validate runs every registered validator; the first rejection wins.
func (s *Store) validate(ctx context.Context, operation string, candidate, previous *revision.Revision, parentID revision.ID) error {
	validators := s.registry.sortedValidators()
	if len(validators) == 0 {
		return nil
	}
	input := ValidationCandidate{New: candidate, Previous: previous, ParentID: parentID}
	for _, named := range validators {
		verdict, err := s.runValidator(ctx, named, input)
		if err != nil {
			s.logger.Error("validator failed",
				zap.String("operation", operation),
				zap.String("reason", "validator_failed"),
				zap.String("validator", named.name),
				zap.String("doc_id", candidate.DocID),
				zap.String("rev_id", candidate.ID.String()),
				zap.Error(err))
			return status.New(operation, "validator_failed", status.ErrException, err)
		}
		if !verdict.Accepted() {
			s.logger.Debug("write rejected by validator",
				zap.String("operation", operation),
				zap.String("validator", named.name),
				zap.String("doc_id", candidate.DocID),
				zap.String("reason", verdict.Reason()))
			return status.Rejected(operation, "validation_rejected", status.ErrForbidden, verdict.Reason())
		}
	}
	return nil
}

func (s *Store) runValidator(ctx context.Context, named namedValidator, candidate ValidationCandidate) (verdict Verdict, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("validator %s panicked: %v", named.name, recovered)
		}
	}()
	return named.validator(ctx, candidate)
}

// NewSchemaValidator compiles a JSON schema and returns a validator that rejects live revisions
// whose body, without "_attachments", does not conform.
func NewSchemaValidator(schema []byte) (Validator, error) {
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, document); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return func(_ context.Context, candidate ValidationCandidate) (Verdict, error) {
		if candidate.New == nil || candidate.New.Deleted {
			return Accept(), nil
		}
		canonical, err := candidate.New.Body.WithAttachments(nil).Canonical()
		if err != nil {
			return Verdict{}, err
		}
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
		if err != nil {
			return Verdict{}, err
		}
		if err := compiled.Validate(instance); err != nil {
			return Reject(err.Error()), nil
		}
		return Accept(), nil
	}, nil
}
