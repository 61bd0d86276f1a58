package authz

import (
	"context"
	"sort"
)

// Resolution is the ABAC-aware permission snapshot embedded in issued
// tokens. Keys are entityType for wildcard grants, entityType:entityId
// otherwise. AbacRequired lists the subset whose grant depends on
// runtime context: consumers must call back to CheckPermission with the
// actual resource context for those entries.
type Resolution struct {
	Permissions  map[string][]string `json:"permissions"`
	AbacRequired map[string][]string `json:"abac_required,omitempty"`
}

// ResolveAllPermissionsWithABACInfo computes every permission the user
// holds under any matching relation, flagging the ones that require
// runtime re-evaluation (a conditioned tuple or a permission policy).
func (e *Engine) ResolveAllPermissionsWithABACInfo(ctx context.Context, userID string) (*Resolution, error) {
	subjects, err := e.expandSubjects(ctx, Subject{Type: "user", ID: userID})
	if err != nil {
		return nil, err
	}

	tuples, err := e.tuples.FindBySubjects(ctx, subjects)
	if err != nil {
		return nil, err
	}

	perms := make(map[string]map[string]bool)
	abac := make(map[string]map[string]bool)

	for _, t := range tuples {
		model, err := e.registry.GetModel(ctx, t.EntityType)
		if err != nil {
			return nil, err
		}
		if model == nil {
			continue
		}

		key := t.EntityType
		if t.EntityID != Wildcard {
			key = t.EntityType + ":" + t.EntityID
		}

		for name, perm := range model.Permissions {
			if !model.ImpliedBy(perm.Relation)[t.Relation] {
				continue
			}
			if perms[key] == nil {
				perms[key] = make(map[string]bool)
			}
			perms[key][name] = true

			if t.Condition != "" || perm.Policy != "" {
				if abac[key] == nil {
					abac[key] = make(map[string]bool)
				}
				abac[key][name] = true
			}
		}
	}

	res := &Resolution{
		Permissions:  flatten(perms),
		AbacRequired: flatten(abac),
	}
	if len(res.AbacRequired) == 0 {
		res.AbacRequired = nil
	}
	return res, nil
}

func flatten(in map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(in))
	for key, set := range in {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		out[key] = names
	}
	return out
}
