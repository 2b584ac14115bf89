package metadata

// Workflow is a named server-side function with a typed input schema. The
// function itself is registered in code; the definition only carries the
// input columns and an optional guard expression over caller and input.
type Workflow struct {
	Name   string   `json:"name" yaml:"name"`
	Label  string   `json:"label,omitempty" yaml:"label,omitempty"`
	Inputs []Column `json:"inputs" yaml:"inputs"`
	Guard  string   `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// InputTable presents the workflow input schema as a table so it can be
// validated by the same compiler as table records.
func (w *Workflow) InputTable() *Table {
	return &Table{ID: "workflow:" + w.Name, Name: w.Name, Label: w.Label, Columns: w.Inputs}
}
