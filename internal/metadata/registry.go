package metadata

import (
	"fmt"
	"sync"
)

// AppDefinition is everything a data application declares: its tables, the
// roles that guard them, the workflows it exposes and the webhooks it fires.
type AppDefinition struct {
	Name      string               `json:"name,omitempty" yaml:"name,omitempty"`
	Tables    []*Table             `json:"tables" yaml:"tables"`
	Roles     []*AuthorizationRole `json:"roles,omitempty" yaml:"roles,omitempty"`
	Workflows []*Workflow          `json:"workflows,omitempty" yaml:"workflows,omitempty"`
	Webhooks  []*Webhook           `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// Registry holds the loaded app definition. Definitions are read-only between
// loads; Load swaps everything at once.
type Registry struct {
	mu              sync.RWMutex
	tables          []*Table
	tablesByID      map[string]*Table
	tablesByName    map[string]*Table
	roles           []*AuthorizationRole
	rolesByID       map[string]*AuthorizationRole
	workflowsByName map[string]*Workflow
	workflows       []*Workflow
	webhooks        []*Webhook
	version         int
}

func NewRegistry() *Registry {
	return &Registry{
		tablesByID:      make(map[string]*Table),
		tablesByName:    make(map[string]*Table),
		rolesByID:       make(map[string]*AuthorizationRole),
		workflowsByName: make(map[string]*Workflow),
	}
}

// GetTable returns the table with the given id or name, or nil.
func (r *Registry) GetTable(key string) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.tablesByID[key]; t != nil {
		return t
	}
	return r.tablesByName[key]
}

// AllTables returns all registered tables in definition order.
func (r *Registry) AllTables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Table(nil), r.tables...)
}

// Roles returns all roles in definition order. Order matters to the
// authorization merge.
func (r *Registry) Roles() []*AuthorizationRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*AuthorizationRole(nil), r.roles...)
}

// GetRole returns a role by id, or nil.
func (r *Registry) GetRole(id string) *AuthorizationRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rolesByID[id]
}

// GetWorkflow returns a workflow by name, or nil.
func (r *Registry) GetWorkflow(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflowsByName[name]
}

// AllWorkflows returns all workflows in definition order.
func (r *Registry) AllWorkflows() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Workflow(nil), r.workflows...)
}

// ActiveWebhooks returns the active webhooks.
func (r *Registry) ActiveWebhooks() []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Webhook
	for _, wh := range r.webhooks {
		if wh.Active {
			result = append(result, wh)
		}
	}
	return result
}

// Snapshot returns the loaded definition. Load(Snapshot()) restores it.
func (r *Registry) Snapshot() *AppDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &AppDefinition{
		Tables:    append([]*Table(nil), r.tables...),
		Roles:     append([]*AuthorizationRole(nil), r.roles...),
		Workflows: append([]*Workflow(nil), r.workflows...),
		Webhooks:  append([]*Webhook(nil), r.webhooks...),
	}
}

// Version increments on every successful Load.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Load replaces the whole definition. The registry is left untouched when the
// definition is inconsistent.
func (r *Registry) Load(def *AppDefinition) error {
	tablesByID := make(map[string]*Table, len(def.Tables))
	tablesByName := make(map[string]*Table, len(def.Tables))
	for _, t := range def.Tables {
		if t.Name == "" {
			return fmt.Errorf("table without name")
		}
		if t.ID == "" {
			t.ID = t.Name
		}
		if _, dup := tablesByID[t.ID]; dup {
			return fmt.Errorf("duplicate table id %s", t.ID)
		}
		if _, dup := tablesByName[t.Name]; dup {
			return fmt.Errorf("duplicate table name %s", t.Name)
		}
		if t.NameField != "" && !t.HasColumn(t.NameField) {
			return fmt.Errorf("table %s: nameField %s is not a column", t.Name, t.NameField)
		}
		tablesByID[t.ID] = t
		tablesByName[t.Name] = t
	}

	rolesByID := make(map[string]*AuthorizationRole, len(def.Roles))
	for _, role := range def.Roles {
		if role.ID == "" {
			return fmt.Errorf("role without id")
		}
		if _, dup := rolesByID[role.ID]; dup {
			return fmt.Errorf("duplicate role %s", role.ID)
		}
		rolesByID[role.ID] = role
	}

	workflowsByName := make(map[string]*Workflow, len(def.Workflows))
	for _, wf := range def.Workflows {
		if _, dup := workflowsByName[wf.Name]; dup {
			return fmt.Errorf("duplicate workflow %s", wf.Name)
		}
		workflowsByName[wf.Name] = wf
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append([]*Table(nil), def.Tables...)
	r.tablesByID = tablesByID
	r.tablesByName = tablesByName
	r.roles = append([]*AuthorizationRole(nil), def.Roles...)
	r.rolesByID = rolesByID
	r.workflows = append([]*Workflow(nil), def.Workflows...)
	r.workflowsByName = workflowsByName
	r.webhooks = append([]*Webhook(nil), def.Webhooks...)
	r.version++
	return nil
}
