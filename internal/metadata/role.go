package metadata

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type PermissionKind int

const (
	PermissionAllow PermissionKind = iota + 1
	PermissionBlock
	PermissionConditional
)

func (k PermissionKind) String() string {
	switch k {
	case PermissionAllow:
		return "allow"
	case PermissionBlock:
		return "block"
	case PermissionConditional:
		return "conditional"
	}
	return "unknown"
}

// Permission is one of 'allow', 'block', or a condition tree with an optional
// allow-list of fields.
type Permission struct {
	Kind          PermissionKind
	Condition     *Condition
	AllowedFields []string
}

var (
	Allow = &Permission{Kind: PermissionAllow}
	Block = &Permission{Kind: PermissionBlock}
)

// Conditional builds a conditional permission. A nil condition restricts
// fields only.
func Conditional(cond *Condition, allowedFields ...string) *Permission {
	return &Permission{Kind: PermissionConditional, Condition: cond, AllowedFields: allowedFields}
}

func (p *Permission) IsAllow() bool { return p != nil && p.Kind == PermissionAllow }
func (p *Permission) IsBlock() bool { return p != nil && p.Kind == PermissionBlock }
func (p *Permission) IsConditional() bool { return p != nil && p.Kind == PermissionConditional }

// permissionDef is the object form: a condition tree with allowedFields.
type permissionDef struct {
	Condition     `yaml:",inline"`
	AllowedFields []string `json:"allowedFields,omitempty" yaml:"allowedFields,omitempty"`
}

func permissionFromDef(d permissionDef) *Permission {
	p := &Permission{Kind: PermissionConditional, AllowedFields: d.AllowedFields}
	cond := d.Condition
	if !cond.IsEmpty() {
		p.Condition = &cond
	}
	return p
}

func permissionFromWord(s string) (*Permission, error) {
	switch s {
	case "allow":
		return &Permission{Kind: PermissionAllow}, nil
	case "block":
		return &Permission{Kind: PermissionBlock}, nil
	}
	return nil, fmt.Errorf("invalid permission %q: want allow, block or a condition", s)
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var word string
	if err := json.Unmarshal(data, &word); err == nil {
		perm, err := permissionFromWord(word)
		if err != nil {
			return err
		}
		*p = *perm
		return nil
	}
	var d struct {
		Condition
		AllowedFields []string `json:"allowedFields"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*p = *permissionFromDef(permissionDef{Condition: d.Condition, AllowedFields: d.AllowedFields})
	return nil
}

func (p *Permission) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PermissionAllow, PermissionBlock:
		return json.Marshal(p.Kind.String())
	}
	out := map[string]any{}
	if p.Condition != nil {
		raw, err := json.Marshal(p.Condition)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	if p.AllowedFields != nil {
		out["allowedFields"] = p.AllowedFields
	}
	return json.Marshal(out)
}

func (p *Permission) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		perm, err := permissionFromWord(node.Value)
		if err != nil {
			return err
		}
		*p = *perm
		return nil
	}
	var d permissionDef
	if err := node.Decode(&d); err != nil {
		return err
	}
	*p = *permissionFromDef(d)
	return nil
}

// ActionPermissions holds one optional permission per action. A nil entry
// means the role says nothing about that action.
type ActionPermissions struct {
	Read   *Permission `json:"readAction,omitempty" yaml:"readAction,omitempty"`
	Create *Permission `json:"createAction,omitempty" yaml:"createAction,omitempty"`
	Update *Permission `json:"updateAction,omitempty" yaml:"updateAction,omitempty"`
	Delete *Permission `json:"deleteAction,omitempty" yaml:"deleteAction,omitempty"`
}

// For returns the permission configured for the action, or nil.
func (a ActionPermissions) For(action Action) *Permission {
	switch action {
	case ActionRead:
		return a.Read
	case ActionCreate:
		return a.Create
	case ActionUpdate:
		return a.Update
	case ActionDelete:
		return a.Delete
	}
	return nil
}

// TablePermissions overrides a role's defaults for one table.
type TablePermissions struct {
	Table             string `json:"table" yaml:"table"`
	ActionPermissions `yaml:",inline"`
}

// AuthorizationRole is a named access profile. RoleQuery, when set, is matched
// against the caller's own record to decide whether the role applies.
type AuthorizationRole struct {
	ID                string             `json:"id" yaml:"id"`
	Label             string             `json:"label,omitempty" yaml:"label,omitempty"`
	ActionPermissions `yaml:",inline"`
	Tables            []TablePermissions `json:"tables,omitempty" yaml:"tables,omitempty"`
	RoleQuery         *Condition         `json:"roleQuery,omitempty" yaml:"roleQuery,omitempty"`
}

// PermissionFor returns the table override for the action when present,
// falling back to the role default. Overrides may name the table by its name
// or by its id.
func (r *AuthorizationRole) PermissionFor(action Action, table *Table) *Permission {
	for i := range r.Tables {
		if ref := r.Tables[i].Table; ref != table.Name && ref != table.ID {
			continue
		}
		if p := r.Tables[i].For(action); p != nil {
			return p
		}
	}
	return r.For(action)
}
