package metadata

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ColumnKind is the tag of a ColumnType.
type ColumnKind string

const (
	KindText        ColumnKind = "text"
	KindNumber      ColumnKind = "number"
	KindBoolean     ColumnKind = "boolean"
	KindSelect      ColumnKind = "select"
	KindMultiSelect ColumnKind = "multi_select"
	KindDateTime    ColumnKind = "datetime"
	KindForeignKey  ColumnKind = "foreign_key"
	KindReadOnly    ColumnKind = "read_only"
)

// ColumnType is a closed set of column types. Each kind carries exactly the
// properties it needs.
type ColumnType interface {
	Kind() ColumnKind
	columnType()
}

type TextType struct {
	Long bool
}

type NumberType struct{}

type BooleanType struct{}

type SelectType struct {
	Options []string
}

type MultiSelectType struct {
	Options []string
}

type DateTimeType struct {
	IncludesTime bool
}

// ForeignKeyType references records of another table by id.
type ForeignKeyType struct {
	ForeignTable string
	Multiple     bool
}

type ReadOnlyType struct{}

func (TextType) Kind() ColumnKind { return KindText }
func (NumberType) Kind() ColumnKind { return KindNumber }
func (BooleanType) Kind() ColumnKind { return KindBoolean }
func (SelectType) Kind() ColumnKind { return KindSelect }
func (MultiSelectType) Kind() ColumnKind { return KindMultiSelect }
func (DateTimeType) Kind() ColumnKind { return KindDateTime }
func (ForeignKeyType) Kind() ColumnKind { return KindForeignKey }
func (ReadOnlyType) Kind() ColumnKind { return KindReadOnly }

func (TextType) columnType() {}
func (NumberType) columnType() {}
func (BooleanType) columnType() {}
func (SelectType) columnType() {}
func (MultiSelectType) columnType() {}
func (DateTimeType) columnType() {}
func (ForeignKeyType) columnType() {}
func (ReadOnlyType) columnType() {}

type Column struct {
	Name     string
	Label    string
	Type     ColumnType
	Required bool
}

// ForeignKey returns the foreign key properties of the column, or nil when the
// column is not a foreign key.
func (c *Column) ForeignKey() *ForeignKeyType {
	if fk, ok := c.Type.(ForeignKeyType); ok {
		return &fk
	}
	return nil
}

// IsMultiValued reports whether the column holds a list of values.
func (c *Column) IsMultiValued() bool {
	switch t := c.Type.(type) {
	case MultiSelectType:
		return true
	case ForeignKeyType:
		return t.Multiple
	}
	return false
}

// Options returns the allowed options for select columns.
func (c *Column) Options() []string {
	switch t := c.Type.(type) {
	case SelectType:
		return t.Options
	case MultiSelectType:
		return t.Options
	}
	return nil
}

// columnDef is the flat wire shape of a column in YAML and JSON definitions.
type columnDef struct {
	Name         string     `json:"name" yaml:"name"`
	Label        string     `json:"label,omitempty" yaml:"label,omitempty"`
	Type         ColumnKind `json:"type" yaml:"type"`
	Required     bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Long         bool       `json:"long,omitempty" yaml:"long,omitempty"`
	Options      []string   `json:"options,omitempty" yaml:"options,omitempty"`
	IncludesTime bool       `json:"includesTime,omitempty" yaml:"includesTime,omitempty"`
	ForeignTable string     `json:"foreignTable,omitempty" yaml:"foreignTable,omitempty"`
	Multiple     bool       `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

func (d columnDef) toColumn() (Column, error) {
	col := Column{Name: d.Name, Label: d.Label, Required: d.Required}
	if col.Label == "" {
		col.Label = d.Name
	}
	switch d.Type {
	case KindText, "":
		col.Type = TextType{Long: d.Long}
	case KindNumber:
		col.Type = NumberType{}
	case KindBoolean:
		col.Type = BooleanType{}
	case KindSelect:
		col.Type = SelectType{Options: d.Options}
	case KindMultiSelect:
		col.Type = MultiSelectType{Options: d.Options}
	case KindDateTime:
		col.Type = DateTimeType{IncludesTime: d.IncludesTime}
	case KindForeignKey:
		if d.ForeignTable == "" {
			return col, fmt.Errorf("column %s: foreign key without foreignTable", d.Name)
		}
		col.Type = ForeignKeyType{ForeignTable: d.ForeignTable, Multiple: d.Multiple}
	case KindReadOnly:
		col.Type = ReadOnlyType{}
	default:
		return col, fmt.Errorf("column %s: unknown column type %q", d.Name, d.Type)
	}
	return col, nil
}

func (c Column) toDef() columnDef {
	d := columnDef{Name: c.Name, Label: c.Label, Required: c.Required}
	if c.Type == nil {
		d.Type = KindText
		return d
	}
	d.Type = c.Type.Kind()
	switch t := c.Type.(type) {
	case TextType:
		d.Long = t.Long
	case SelectType:
		d.Options = t.Options
	case MultiSelectType:
		d.Options = t.Options
	case DateTimeType:
		d.IncludesTime = t.IncludesTime
	case ForeignKeyType:
		d.ForeignTable = t.ForeignTable
		d.Multiple = t.Multiple
	}
	return d
}

func (c *Column) UnmarshalJSON(data []byte) error {
	var d columnDef
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	col, err := d.toColumn()
	if err != nil {
		return err
	}
	*c = col
	return nil
}

func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toDef())
}

func (c *Column) UnmarshalYAML(node *yaml.Node) error {
	var d columnDef
	if err := node.Decode(&d); err != nil {
		return err
	}
	col, err := d.toColumn()
	if err != nil {
		return err
	}
	*c = col
	return nil
}
