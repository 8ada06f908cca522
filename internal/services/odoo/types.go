package odoo

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OdooString is a custom string type that handles Odoo's dynamic typing.
// Odoo returns `false` (boolean) for empty text fields instead of an empty string.
type OdooString string

// UnmarshalJSON handles dynamic typing from Odoo
func (s *OdooString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = OdooString(str)
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if !b {
			*s = ""
			return nil
		}
		*s = "true"
		return nil
	}

	return errors.New("OdooString: cannot unmarshal value into string")
}

// String returns native string value
func (s OdooString) String() string {
	return string(s)
}

// Many2One is an Odoo many2one value, sent as [id, "display name"] or false
type Many2One struct {
	ID   int64
	Name string
}

// UnmarshalJSON accepts [id, name], a bare id, or false
func (m *Many2One) UnmarshalJSON(data []byte) error {
	var pair []interface{}
	if err := json.Unmarshal(data, &pair); err == nil {
		*m = Many2One{}
		if len(pair) > 0 {
			id, ok := toInt64(pair[0])
			if !ok {
				return fmt.Errorf("Many2One: unexpected id %v", pair[0])
			}
			m.ID = id
		}
		if len(pair) > 1 {
			m.Name, _ = pair[1].(string)
		}
		return nil
	}

	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		*m = Many2One{ID: id}
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil && !b {
		*m = Many2One{}
		return nil
	}

	return errors.New("Many2One: cannot unmarshal value")
}

// Valid reports whether the relation is set
func (m Many2One) Valid() bool {
	return m.ID != 0
}

// Selection is a fields_get selection: a list of [value, label] pairs
type Selection [][2]string

// UnmarshalJSON tolerates `false` for non-selection fields
func (s *Selection) UnmarshalJSON(data []byte) error {
	var pairs [][]interface{}
	if err := json.Unmarshal(data, &pairs); err != nil {
		*s = nil
		return nil
	}
	out := make(Selection, 0, len(pairs))
	for _, p := range pairs {
		var entry [2]string
		if len(p) > 0 {
			entry[0] = fmt.Sprint(p[0])
		}
		if len(p) > 1 {
			entry[1] = fmt.Sprint(p[1])
		}
		out = append(out, entry)
	}
	*s = out
	return nil
}

// Values returns the technical selection keys
func (s Selection) Values() []string {
	values := make([]string, len(s))
	for i, p := range s {
		values[i] = p[0]
	}
	return values
}

// FieldInfo describes one field returned by fields_get
type FieldInfo struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	String    OdooString `json:"string"`
	Required  bool       `json:"required"`
	Relation  OdooString `json:"relation"`
	Selection Selection  `json:"selection"`
}

// toInt64 converts XML-RPC numeric replies to int64
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
