// Package authz implements relationship-based access control over a
// persisted tuple graph, combined with script-driven attribute policies
// evaluated at check time.
package authz

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wildcard is the entity id matching every entity of a type.
const Wildcard = "*"

// Subject identifies a principal or an intermediate subject reached
// during expansion (a group, an org unit).
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// Tuple is a single relationship edge. Condition, when set, is a script
// evaluated at check time; it must lint in the sandbox language before
// the tuple is stored.
type Tuple struct {
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	Relation        string    `json:"relation"`
	SubjectType     string    `json:"subject_type"`
	SubjectID       string    `json:"subject_id"`
	SubjectRelation string    `json:"subject_relation,omitempty"`
	Condition       string    `json:"condition,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key returns the composite identity of the tuple.
func (t *Tuple) Key() string {
	return fmt.Sprintf("%s:%s#%s@%s:%s#%s",
		t.EntityType, t.EntityID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
}

// RelationDef defines one relation of an entity type. Union lists the
// other relations that imply this one. Hierarchy marks the relation as
// traversable during subject expansion (group membership).
type RelationDef struct {
	Union     []string
	Hierarchy bool
}

// relationDefDoc is the stored JSON shape: either a bare union array or
// an object carrying subjectParams.
type relationDefDoc struct {
	Union         []string `json:"union"`
	SubjectParams struct {
		Hierarchy bool `json:"hierarchy"`
	} `json:"subjectParams"`
}

// UnmarshalJSON accepts both the array form ["editor","owner"] and the
// object form {"union": [...], "subjectParams": {"hierarchy": true}}.
func (r *RelationDef) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		r.Union = arr
		r.Hierarchy = false
		return nil
	}

	var doc relationDefDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("relation definition must be an array or object: %w", err)
	}
	r.Union = doc.Union
	r.Hierarchy = doc.SubjectParams.Hierarchy
	return nil
}

// MarshalJSON writes the object form when hierarchy is set, the compact
// array form otherwise.
func (r RelationDef) MarshalJSON() ([]byte, error) {
	if !r.Hierarchy {
		if r.Union == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(r.Union)
	}
	var doc relationDefDoc
	doc.Union = r.Union
	doc.SubjectParams.Hierarchy = true
	return json.Marshal(doc)
}

// PermissionDef defines one permission: satisfied when the subject has
// the named relation and, if Policy is set, the policy returns true.
type PermissionDef struct {
	Relation     string `json:"relation"`
	PolicyEngine string `json:"policyEngine,omitempty"`
	Policy       string `json:"policy,omitempty"`
}

// Model is the authorization model for one entity type.
type Model struct {
	EntityType  string                   `json:"entity_type"`
	Relations   map[string]RelationDef   `json:"relations"`
	Permissions map[string]PermissionDef `json:"permissions"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// ImpliedBy computes the set of relations that satisfy required: the
// transitive closure over union definitions, including required itself.
// Visited-set guarded so cyclic models terminate.
func (m *Model) ImpliedBy(required string) map[string]bool {
	closure := make(map[string]bool)
	queue := []string{required}
	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]
		if closure[rel] {
			continue
		}
		closure[rel] = true
		if def, ok := m.Relations[rel]; ok {
			queue = append(queue, def.Union...)
		}
	}
	return closure
}

// HierarchicalRelation reports whether the named relation of this model
// is traversable during subject expansion.
func (m *Model) HierarchicalRelation(relation string) bool {
	def, ok := m.Relations[relation]
	return ok && def.Hierarchy
}
