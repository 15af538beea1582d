package model

// Params Ordered set of named query parameters. Values are immutable:
// With and Merge return new Params and never change the receiver.
type Params struct {
	names  []string
	values map[string]interface{}
}

func NewParams() Params {
	return Params{names: []string{}, values: map[string]interface{}{}}
}

func (p Params) clone(extra int) Params {
	cloned := Params{
		names:  make([]string, len(p.names), len(p.names)+extra),
		values: make(map[string]interface{}, len(p.values)+extra),
	}
	copy(cloned.names, p.names)
	for k, v := range p.values {
		cloned.values[k] = v
	}
	return cloned
}

// With Adds or replaces a param.
func (p Params) With(name string, value interface{}) Params {
	cloned := p.clone(1)
	if _, exists := cloned.values[name]; !exists {
		cloned.names = append(cloned.names, name)
	}
	cloned.values[name] = value
	return cloned
}

func (p Params) Merge(others ...Params) Params {
	extra := 0
	for i := range others {
		extra += len(others[i].names)
	}

	merged := p.clone(extra)
	for i := range others {
		for _, name := range others[i].names {
			if _, exists := merged.values[name]; !exists {
				merged.names = append(merged.names, name)
			}
			merged.values[name] = others[i].values[name]
		}
	}
	return merged
}

func (p Params) Get(name string) (interface{}, bool) {
	value, exists := p.values[name]
	return value, exists
}

// Names In the order they were added.
func (p Params) Names() []string {
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}

func (p Params) Len() int {
	return len(p.names)
}

// Map Copy of the params as a map.
func (p Params) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p.values))
	for k, v := range p.values {
		m[k] = v
	}
	return m
}

// FunnelStatement Compiled statement with its params.
type FunnelStatement struct {
	Stmnt  string                 `json:"stmnt"`
	Params map[string]interface{} `json:"params"`
}
