package metadata

// Table describes one table of the app definition. Tables are immutable once
// loaded into the registry.
type Table struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
	NameField   string   `json:"nameField,omitempty" yaml:"nameField,omitempty"`
	Columns     []Column `json:"columns" yaml:"columns"`
	DefaultView string   `json:"defaultView,omitempty" yaml:"defaultView,omitempty"`
	Backend     string   `json:"backend,omitempty" yaml:"backend,omitempty"` // backend adapter name, empty = default
	Rules       []*Rule  `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Column returns a pointer to the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasColumn returns true if the table has a column with the given name.
func (t *Table) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// ColumnNames returns all column names in definition order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ForeignKeys returns the foreign key columns of the table.
func (t *Table) ForeignKeys() []*Column {
	var cols []*Column
	for i := range t.Columns {
		if t.Columns[i].ForeignKey() != nil {
			cols = append(cols, &t.Columns[i])
		}
	}
	return cols
}

// DisplayName returns the label a related record of this table should carry.
func (t *Table) DisplayName(rec Record) string {
	if t.NameField == "" || rec == nil {
		return ""
	}
	if v, ok := rec[t.NameField]; ok && v != nil {
		return toText(v)
	}
	return ""
}

// Key is the identity used for caches: the table id, falling back to the name.
func (t *Table) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Name
}
