package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/sandbox"
)

// modelSchema validates stored model definitions. Relations accept the
// compact array form or the object form with subjectParams; permissions
// require a relation and optionally carry a script policy.
const modelSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"relations": {
			"type": "object",
			"additionalProperties": {
				"oneOf": [
					{"type": "array", "items": {"type": "string"}},
					{
						"type": "object",
						"properties": {
							"union": {"type": "array", "items": {"type": "string"}},
							"subjectParams": {
								"type": "object",
								"properties": {"hierarchy": {"type": "boolean"}},
								"additionalProperties": false
							}
						},
						"additionalProperties": false
					}
				]
			}
		},
		"permissions": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["relation"],
				"properties": {
					"relation": {"type": "string"},
					"policyEngine": {"type": "string", "enum": ["script"]},
					"policy": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"required": ["relations"],
	"additionalProperties": false
}`

// systemModels are the built-in fallbacks served when no model is stored
// for an entity type. The group model marks member as hierarchical so
// group grants expand without an explicit model.
func systemModels() map[string]*Model {
	return map[string]*Model{
		"group": {
			EntityType: "group",
			Relations: map[string]RelationDef{
				"member": {Hierarchy: true},
				"admin":  {Union: []string{}},
			},
			Permissions: map[string]PermissionDef{
				"manage": {Relation: "admin"},
			},
		},
		"organization": {
			EntityType: "organization",
			Relations: map[string]RelationDef{
				"member": {Hierarchy: true},
				"owner":  {},
			},
			Permissions: map[string]PermissionDef{
				"manage": {Relation: "owner"},
			},
		},
	}
}

// Registry manages authorization models and validated tuple writes.
type Registry struct {
	models ModelStore
	tuples TupleStore
	schema *jsonschema.Schema
	system map[string]*Model
	logger *slog.Logger
	clock  func() time.Time
}

// NewRegistry compiles the model schema and wires the stores.
func NewRegistry(models ModelStore, tuples TupleStore) (*Registry, error) {
	schema, err := jsonschema.CompileString("model.schema.json", modelSchema)
	if err != nil {
		return nil, fmt.Errorf("compile model schema: %w", err)
	}
	return &Registry{
		models: models,
		tuples: tuples,
		schema: schema,
		system: systemModels(),
		logger: slog.Default().With("component", "authz_registry"),
		clock:  time.Now,
	}, nil
}

// GetModel returns the stored model for an entity type, falling back to
// the built-in system model. Returns nil when neither exists.
func (r *Registry) GetModel(ctx context.Context, entityType string) (*Model, error) {
	m, err := r.models.Get(ctx, entityType)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load model", err)
	}
	if m != nil {
		return m, nil
	}
	if sys, ok := r.system[entityType]; ok {
		cp := *sys
		return &cp, nil
	}
	return nil, nil
}

// UpsertModel validates a raw model definition and persists it. A
// relation may not be removed while tuples still reference it.
func (r *Registry) UpsertModel(ctx context.Context, entityType string, definition []byte) (*Model, error) {
	var raw any
	if err := json.Unmarshal(definition, &raw); err != nil {
		return nil, platform.Wrap(platform.KindInvalidRequest, "model definition is not valid JSON", err)
	}
	if err := r.schema.Validate(raw); err != nil {
		return nil, platform.Wrap(platform.KindInvalidRequest, "model definition rejected by schema", err)
	}

	var doc modelDoc
	if err := json.Unmarshal(definition, &doc); err != nil {
		return nil, platform.Wrap(platform.KindInvalidRequest, "decode model definition", err)
	}

	for name, perm := range doc.Permissions {
		if perm.Policy == "" {
			continue
		}
		if err := sandbox.Lint(perm.Policy); err != nil {
			return nil, platform.Wrap(platform.KindInvalidRequest,
				fmt.Sprintf("policy for permission %q does not lint", name), err)
		}
	}

	existing, err := r.models.Get(ctx, entityType)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load existing model", err)
	}
	if existing != nil {
		for rel := range existing.Relations {
			if _, kept := doc.Relations[rel]; kept {
				continue
			}
			n, err := r.tuples.CountByRelation(ctx, entityType, rel)
			if err != nil {
				return nil, platform.Wrap(platform.KindStorageError, "count tuples for relation", err)
			}
			if n > 0 {
				return nil, platform.E(platform.KindConflict,
					fmt.Sprintf("relation %q still referenced by %d tuple(s)", rel, n))
			}
		}
	}

	m := &Model{
		EntityType:  entityType,
		Relations:   doc.Relations,
		Permissions: doc.Permissions,
		UpdatedAt:   r.clock().UTC(),
	}
	if err := r.models.Upsert(ctx, m); err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "persist model", err)
	}

	r.logger.Info("authorization model updated", "entity_type", entityType,
		"relations", len(m.Relations), "permissions", len(m.Permissions))
	return m, nil
}

// WriteTuple validates and upserts a tuple. The relation must exist in
// the entity's model and any condition must lint in the sandbox language.
func (r *Registry) WriteTuple(ctx context.Context, t *Tuple) error {
	model, err := r.GetModel(ctx, t.EntityType)
	if err != nil {
		return err
	}
	if model != nil {
		if _, ok := model.Relations[t.Relation]; !ok {
			return platform.E(platform.KindInvalidRequest,
				fmt.Sprintf("relation %q is not defined for entity type %q", t.Relation, t.EntityType))
		}
	}

	if t.Condition != "" {
		if err := sandbox.Lint(t.Condition); err != nil {
			return platform.Wrap(platform.KindInvalidRequest, "tuple condition does not lint", err)
		}
	}

	if err := r.tuples.Upsert(ctx, t); err != nil {
		return platform.Wrap(platform.KindStorageError, "upsert tuple", err)
	}
	return nil
}

// DeleteTuple removes a single tuple.
func (r *Registry) DeleteTuple(ctx context.Context, t *Tuple) error {
	if err := r.tuples.Delete(ctx, t); err != nil {
		return platform.Wrap(platform.KindStorageError, "delete tuple", err)
	}
	return nil
}

// DeleteEntity cascades tuple deletion from an entity.
func (r *Registry) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	if err := r.tuples.DeleteByEntity(ctx, entityType, entityID); err != nil {
		return platform.Wrap(platform.KindStorageError, "cascade delete tuples", err)
	}
	return nil
}
