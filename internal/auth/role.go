package auth

// Built-in role names
const (
	RoleAdmin      = "admin"      // Everything, including maintenance triggers
	RoleOperator   = "operator"   // Read status and run history
	RoleDocumentor = "user"       // Own documents only
)

// Resource types for authorization
const (
	ResourceStatus      = "status"
	ResourceMaintenance = "maintenance"
	ResourceRuns        = "runs"
	ResourceDocuments   = "documents"
	ResourceTokens      = "tokens"
)

// Role defines a set of permissions.
type Role struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Rule defines permissions for a set of resources.
type Rule struct {
	Verbs     []string `json:"verbs"`     // e.g., ["get", "create", "delete"]
	Resources []string `json:"resources"` // e.g., ["documents", "tokens"]
}

// Matches checks if the role allows the given verb on the given resource.
func (r *Role) Matches(verb, resource string) bool {
	for _, rule := range r.Rules {
		if rule.Matches(verb, resource) {
			return true
		}
	}
	return false
}

// Matches checks if the rule allows the given verb on the given resource.
func (r *Rule) Matches(verb, resource string) bool {
	if !contains(r.Verbs, verb) {
		return false
	}
	return contains(r.Resources, resource)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == "*" || v == want {
			return true
		}
	}
	return false
}

// BuiltinRoles returns all built-in roles.
func BuiltinRoles() []Role {
	return []Role{
		{
			Name:  RoleAdmin,
			Rules: []Rule{{Verbs: []string{"*"}, Resources: []string{"*"}}},
		},
		{
			Name: RoleOperator,
			Rules: []Rule{
				{Verbs: []string{"get"}, Resources: []string{ResourceStatus, ResourceRuns}},
			},
		},
		{
			Name: RoleDocumentor,
			Rules: []Rule{
				{Verbs: []string{"create"}, Resources: []string{ResourceTokens}},
				{Verbs: []string{"create", "update", "delete"}, Resources: []string{ResourceDocuments}},
			},
		},
	}
}

// Allowed reports whether the named built-in role allows verb on resource.
// Unknown roles allow nothing.
func Allowed(role, verb, resource string) bool {
	for _, r := range BuiltinRoles() {
		if r.Name == role {
			return r.Matches(verb, resource)
		}
	}
	return false
}
