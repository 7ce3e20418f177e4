package connections

import (
	"strings"
)

// Value provider types.
const (
	ProviderVault = "remote_repository:rapidminer_vault"
	ProviderMacro = "macro_value_provider"
)

// Field is an enabled parameter as the connection exposes it.
type Field struct {
	// Key is the exposed name. It is <group>.<name> when another group has
	// an enabled field with the same name or when group names are shown.
	Key string

	Group     string
	Name      string
	Value     string
	Encrypted bool
	Injector  string
}

// dynamic reports whether the value is computed on access.
func (f Field) dynamic() bool {
	return f.Injector != "" || f.Encrypted
}

// Connection is a loaded definition with its exposed field keys.
type Connection struct {
	def    Definition
	fields []Field
}

// NewConnection exposes the enabled fields of def. Fields keep the stored
// group order and parameter order. A bare name shared by enabled fields of
// several groups is qualified with the group on every one of them; with
// showGroups every name is.
func NewConnection(def Definition, showGroups bool) *Connection {
	c := &Connection{def: def}
	count := make(map[string]int)
	for _, g := range def.Keys {
		for _, p := range g.Parameters {
			if p.Enabled {
				count[p.Name]++
			}
		}
	}
	for _, g := range def.Keys {
		for _, p := range g.Parameters {
			if !p.Enabled {
				continue
			}
			key := p.Name
			if showGroups || count[p.Name] > 1 {
				key = g.Group + "." + p.Name
			}
			c.fields = append(c.fields, Field{
				Key:       key,
				Group:     g.Group,
				Name:      p.Name,
				Value:     p.Value,
				Encrypted: p.Encrypted,
				Injector:  p.InjectorName,
			})
		}
	}
	return c
}

func (c *Connection) Name() string { return c.def.Name }
func (c *Connection) Type() string { return c.def.Type }

// Path is the definition's location relative to the project root.
func (c *Connection) Path() string { return c.def.Path }

// Definition returns the stored definition.
func (c *Connection) Definition() Definition { return c.def }

// Fields returns the enabled fields in scan order.
func (c *Connection) Fields() []Field {
	out := make([]Field, len(c.fields))
	copy(out, c.fields)
	return out
}

// Keys returns the exposed keys in scan order.
func (c *Connection) Keys() []string {
	keys := make([]string, len(c.fields))
	for i, f := range c.fields {
		keys[i] = f.Key
	}
	return keys
}

// Field returns the field exposed under key.
func (c *Connection) Field(key string) (Field, bool) {
	for _, f := range c.fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// match returns the first field whose bare key contains one of words,
// ignoring case. Words are tried in order; each word scans every field.
func (c *Connection) match(words []string) (Field, bool) {
	for _, w := range words {
		w = strings.ToLower(w)
		for _, f := range c.fields {
			bare := f.Key[strings.LastIndex(f.Key, ".")+1:]
			if strings.Contains(strings.ToLower(bare), w) {
				return f, true
			}
		}
	}
	return Field{}, false
}

// provider returns the value provider called name.
func (c *Connection) provider(name string) (ValueProvider, bool) {
	for _, p := range c.def.ValueProviders {
		if p.Name == name {
			return p, true
		}
	}
	return ValueProvider{}, false
}

func (c *Connection) String() string { return "Connection(" + c.def.Name + ")" }
