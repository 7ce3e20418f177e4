package payload

import (
	"fmt"
	"time"
)

// ValueType is the platform type of a column.
type ValueType string

const (
	TypeNominal     ValueType = "nominal"
	TypeBinominal   ValueType = "binominal"
	TypePolynominal ValueType = "polynominal"
	TypeText        ValueType = "text"
	TypeFilePath    ValueType = "file_path"
	TypeInteger     ValueType = "integer"
	TypeReal        ValueType = "real"
	TypeNumeric     ValueType = "numeric"
	TypeDateTime    ValueType = "date_time"
	TypeDate        ValueType = "date"
	TypeTime        ValueType = "time"
)

// IsNominal reports whether values of the type are strings.
func (t ValueType) IsNominal() bool {
	switch t {
	case TypeNominal, TypeBinominal, TypePolynominal, TypeText, TypeFilePath:
		return true
	}
	return false
}

// IsDate reports whether values of the type are timestamps.
func (t ValueType) IsDate() bool {
	switch t {
	case TypeDateTime, TypeDate, TypeTime:
		return true
	}
	return false
}

// IsNumeric reports whether values of the type are numbers.
func (t ValueType) IsNumeric() bool {
	return t == TypeInteger || t == TypeReal || t == TypeNumeric
}

// Valid reports whether t is a known platform type.
func (t ValueType) Valid() bool {
	return t.IsNominal() || t.IsDate() || t.IsNumeric()
}

// Role is the special meaning of a column. Free-form roles such as metadata
// group keys are kept as given.
type Role string

const (
	RoleRegular    Role = "attribute"
	RoleLabel      Role = "label"
	RoleID         Role = "id"
	RoleWeight     Role = "weight"
	RoleBatch      Role = "batch"
	RoleCluster    Role = "cluster"
	RoleOutlier    Role = "outlier"
	RolePrediction Role = "prediction"
)

// Column is a named, typed sequence of cells. A nil cell is a missing value.
// Non-nil cells hold int64, float64, string, bool or time.Time.
type Column struct {
	Name   string
	Type   ValueType
	Values []interface{}
}

// NewColumn builds a column, normalizing Go numeric types to int64 and
// float64. An empty type is inferred from the first non-missing value.
func NewColumn(name string, typ ValueType, values ...interface{}) Column {
	norm := make([]interface{}, len(values))
	for i, v := range values {
		norm[i] = normalize(v)
	}
	c := Column{Name: name, Type: typ, Values: norm}
	if c.Type == "" {
		c.Type = InferType(norm)
	}
	return c
}

// Len returns the number of cells in the column.
func (c Column) Len() int {
	return len(c.Values)
}

// Table is an ordered list of columns plus role assignments keyed by column
// name. Columns without an entry in Roles are regular attributes.
type Table struct {
	Columns []Column
	Roles   map[string]Role
}

// NewTable builds a table from columns.
func NewTable(cols ...Column) *Table {
	return &Table{Columns: cols, Roles: map[string]Role{}}
}

// SetRole assigns a role to an existing column.
func (t *Table) SetRole(column string, role Role) error {
	if t.Index(column) < 0 {
		return fmt.Errorf("role %q references unknown column %q", role, column)
	}
	if t.Roles == nil {
		t.Roles = map[string]Role{}
	}
	t.Roles[column] = role
	return nil
}

// Role returns the role of a column, RoleRegular when unset.
func (t *Table) Role(column string) Role {
	if r, ok := t.Roles[column]; ok && r != "" {
		return r
	}
	return RoleRegular
}

// Index returns the position of the named column or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c.Name == column {
			return i
		}
	}
	return -1
}

// Rows returns the number of rows, taken from the first column.
func (t *Table) Rows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Validate checks column lengths, name uniqueness and role references.
func (t *Table) Validate() error {
	seen := make(map[string]bool, len(t.Columns))
	rows := t.Rows()
	for _, c := range t.Columns {
		if seen[c.Name] {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if c.Len() != rows {
			return fmt.Errorf("column %q has %d rows, expected %d", c.Name, c.Len(), rows)
		}
	}
	for name := range t.Roles {
		if !seen[name] {
			return fmt.Errorf("role assigned to unknown column %q", name)
		}
	}
	return nil
}

// InferType chooses a platform type from the first non-missing value.
func InferType(values []interface{}) ValueType {
	for _, v := range values {
		switch v.(type) {
		case nil:
			continue
		case int64:
			return TypeInteger
		case float64:
			return TypeReal
		case time.Time:
			return TypeDateTime
		case bool:
			return TypeBinominal
		default:
			return TypePolynominal
		}
	}
	return TypePolynominal
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
