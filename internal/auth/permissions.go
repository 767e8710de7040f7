package auth

import (
	"context"
	"fmt"
	"time"

	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// PermissionResolver answers "may this identity use this resource". Model
// access intersects every scope that carries a list; object access (agents,
// MCP servers, vector stores) comes from permission records expanded through
// access groups.
type PermissionResolver struct {
	loader *Loader
	ttl    time.Duration

	// staticGroups are operator-configured access groups resolved without a
	// store round trip. Store-backed groups of the same name are unioned in.
	staticGroups map[string]*AccessGroupRecord
}

// NewPermissionResolver creates a resolver. ttl bounds object permission and
// access group cache entries.
func NewPermissionResolver(loader *Loader, ttl time.Duration, staticGroups []AccessGroupRecord) *PermissionResolver {
	sg := make(map[string]*AccessGroupRecord, len(staticGroups))
	for i := range staticGroups {
		sg[staticGroups[i].Name] = &staticGroups[i]
	}
	return &PermissionResolver{loader: loader, ttl: ttl, staticGroups: sg}
}

// CheckModel enforces the intersection rule: the model must be allowed by
// every scope that restricts models. A scope with an empty list does not
// restrict. Org may be nil when the key has no organization.
func (r *PermissionResolver) CheckModel(model string, key *KeyRecord, team *TeamRecord, org *OrganizationRecord) error {
	if model == "" {
		return nil
	}
	if key != nil && !key.AllowsModel(model) {
		return autherrors.NewModelNotAllowedError(model)
	}
	if team != nil && !team.AllowsModel(model) {
		return autherrors.NewModelNotAllowedError(model)
	}
	if org != nil && !org.AllowsModel(model) {
		return autherrors.NewModelNotAllowedError(model)
	}
	return nil
}

// EffectiveModels returns the model list to advertise on the decision: the
// intersection of every scope that restricts, so the advertised set never
// names a model CheckModel would reject. A scope with an empty list or a
// wildcard entry does not narrow the set.
func (r *PermissionResolver) EffectiveModels(key *KeyRecord, team *TeamRecord, org *OrganizationRecord) []string {
	lists := make([][]string, 0, 3)
	if key != nil {
		lists = append(lists, key.Models)
	}
	if team != nil {
		lists = append(lists, team.Models)
	}
	if org != nil {
		lists = append(lists, org.Models)
	}

	var out []string
	for _, list := range lists {
		if !restrictsModels(list) {
			continue
		}
		if out == nil {
			out = append([]string(nil), list...)
			continue
		}
		out = intersectModels(out, list)
	}
	return out
}

func restrictsModels(models []string) bool {
	if len(models) == 0 {
		return false
	}
	for _, m := range models {
		if m == "*" {
			return false
		}
	}
	return true
}

// intersectModels keeps a's order and filters it by membership in b.
func intersectModels(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, m := range b {
		in[m] = struct{}{}
	}
	out := a[:0]
	for _, m := range a {
		if _, ok := in[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// EffectivePermissionID picks the object permission to enforce: the key's
// own record overrides the team's.
func EffectivePermissionID(key *KeyRecord, team *TeamRecord) string {
	if key != nil && key.ObjectPermissionID != nil && *key.ObjectPermissionID != "" {
		return *key.ObjectPermissionID
	}
	if team != nil && team.ObjectPermissionID != nil && *team.ObjectPermissionID != "" {
		return *team.ObjectPermissionID
	}
	return ""
}

// CheckObject enforces access to a named object of the given resource kind.
// No permission record, or a record with an empty resolved set, means no
// restriction.
func (r *PermissionResolver) CheckObject(ctx context.Context, permID string, kind ResourceKind, object string) error {
	if permID == "" || object == "" {
		return nil
	}
	allowed, err := r.resolveAllowSet(ctx, permID, kind)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		return nil
	}
	if _, ok := allowed[object]; ok {
		return nil
	}
	return &autherrors.AuthError{
		Kind:       autherrors.KindRouteNotAllowed,
		StatusCode: 403,
		Message:    fmt.Sprintf("%s %q is not in the allowed set", kind, object),
	}
}

// resolveAllowSet unions the record's direct entries with every named access
// group's expansion. Groups resolve from static config first, then from the
// store; a group found in neither is skipped rather than failing the
// request, since group edits and key edits are not transactional.
func (r *PermissionResolver) resolveAllowSet(ctx context.Context, permID string, kind ResourceKind) (map[string]struct{}, error) {
	perm, err := r.loader.GetObjectPermission(ctx, permID, r.ttl)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, autherrors.NewStoreUnavailableError(fmt.Sprintf("object permission lookup failed: %v", err))
	}

	set := make(map[string]struct{})
	addAll(set, perm.membersFor(kind))

	for _, name := range perm.AccessGroups {
		if g, ok := r.staticGroups[name]; ok {
			addAll(set, g.membersFor(kind))
		}
		g, err := r.loader.GetAccessGroup(ctx, name, r.ttl)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, autherrors.NewStoreUnavailableError(fmt.Sprintf("access group lookup failed: %v", err))
		}
		addAll(set, g.membersFor(kind))
	}
	return set, nil
}

func (p *ObjectPermissionRecord) membersFor(kind ResourceKind) []string {
	switch kind {
	case ResourceAgents:
		return p.Agents
	case ResourceMCPServers:
		return p.MCPServers
	case ResourceVectorStores:
		return p.VectorStores
	default:
		return nil
	}
}

func (g *AccessGroupRecord) membersFor(kind ResourceKind) []string {
	switch kind {
	case ResourceAgents:
		return g.Agents
	case ResourceMCPServers:
		return g.MCPServers
	case ResourceVectorStores:
		return g.VectorStores
	default:
		return nil
	}
}

func addAll(set map[string]struct{}, items []string) {
	for _, it := range items {
		set[it] = struct{}{}
	}
}
