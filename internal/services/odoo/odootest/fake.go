// Package odootest provides an in-memory Odoo for tests. It evaluates simple
// domains, renders many2one fields as [id, name] and regenerates product
// variants when attribute lines change, close enough to the real server for
// the sync engine's lookups.
package odootest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xelth-com/catalogsync/internal/services/odoo"
)

// Record is one stored row
type Record map[string]interface{}

// Call is one recorded mutating call
type Call struct {
	Model  string
	Method string
	IDs    []int64
	Values map[string]interface{}
}

// FailFunc can reject a mutating call before it is applied
type FailFunc func(model, method string, values map[string]interface{}) error

// many2one fields and the model they point to
var many2one = map[string]string{
	"product_tmpl_id":            "product.template",
	"attribute_id":               "product.attribute",
	"attribute_line_id":          "product.template.attribute.line",
	"product_attribute_value_id": "product.attribute.value",
	"categ_id":                   "product.category",
	"parent_id":                  "product.category",
	"currency_id":                "res.currency",
	"pricelist_id":               "product.pricelist",
	"product_id":                 "product.product",
}

// x2many fields
var x2many = map[string]bool{
	"value_ids":                            true,
	"product_tag_ids":                      true,
	"product_template_attribute_value_ids": true,
}

// models filtered on active=true unless the domain mentions active
var activeModels = map[string]bool{
	"product.template":  true,
	"product.product":   true,
	"res.currency":      true,
	"product.pricelist": true,
}

// Server is the in-memory Odoo
type Server struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]map[int64]Record
	calls   []Call
	fields  map[string]map[string]odoo.FieldInfo

	// FailOn, when set, is consulted before every create/write/unlink
	FailOn FailFunc
}

// New returns an empty server with EUR and USD currencies and the standard
// product.template fields, including x_catalog_id
func New() *Server {
	s := &Server{
		nextID:  100,
		records: make(map[string]map[int64]Record),
		fields:  make(map[string]map[string]odoo.FieldInfo),
	}
	s.fields["product.template"] = map[string]odoo.FieldInfo{
		"name":            {Name: "name", Type: "char", Required: true},
		"type":            {Name: "type", Type: "selection", Selection: odoo.Selection{{"consu", "Goods"}, {"service", "Service"}, {"combo", "Combo"}}},
		"active":          {Name: "active", Type: "boolean"},
		"sale_ok":         {Name: "sale_ok", Type: "boolean"},
		"categ_id":        {Name: "categ_id", Type: "many2one", Relation: "product.category"},
		"product_tag_ids": {Name: "product_tag_ids", Type: "many2many", Relation: "product.tag"},
		"x_catalog_id":    {Name: "x_catalog_id", Type: "char"},
	}
	s.Seed("res.currency", Record{"name": "EUR"})
	s.Seed("res.currency", Record{"name": "USD"})
	s.Seed("res.currency", Record{"name": "JPY", "active": false})
	return s
}

// RemoveField drops a field from the described schema
func (s *Server) RemoveField(model, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fields[model], field)
}

// Seed inserts a record directly and returns its id
func (s *Server) Seed(model string, values Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.insert(model, map[string]interface{}(values))
	s.afterChange(model, id)
	return id
}

// Records returns copies of the stored records of model, active or not, by id
func (s *Server) Records(model string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sortedIDs(model)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRecord(s.records[model][id]))
	}
	return out
}

// Get returns a copy of one record
func (s *Server) Get(model string, id int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[model][id]
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// Calls returns the mutating calls made so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls counts mutating calls for model and method
func (s *Server) CountCalls(model, method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Model == model && c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Search implements the client's search
func (s *Server) Search(ctx context.Context, model string, domain []interface{}, limit, offset int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.search(model, domain)
	if err != nil {
		return nil, err
	}
	return page(ids, limit, offset), nil
}

// SearchRead implements the client's search_read
func (s *Server) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit, offset int, result interface{}) error {
	s.mu.Lock()
	ids, err := s.search(model, domain)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rows := s.render(model, page(ids, limit, offset), fields)
	s.mu.Unlock()
	return odoo.DecodeRecords(rows, result)
}

// Read implements the client's read
func (s *Server) Read(ctx context.Context, model string, ids []int64, fields []string, result interface{}) error {
	s.mu.Lock()
	var existing []int64
	for _, id := range ids {
		if _, ok := s.records[model][id]; ok {
			existing = append(existing, id)
		}
	}
	rows := s.render(model, existing, fields)
	s.mu.Unlock()
	return odoo.DecodeRecords(rows, result)
}

// Create implements the client's create
func (s *Server) Create(ctx context.Context, model string, values map[string]interface{}) (int64, error) {
	if err := s.fail(model, "create", values); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.insert(model, values)
	s.calls = append(s.calls, Call{Model: model, Method: "create", IDs: []int64{id}, Values: values})
	s.afterChange(model, id)
	return id, nil
}

// Write implements the client's write
func (s *Server) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) error {
	if err := s.fail(model, "write", values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec, ok := s.records[model][id]
		if !ok {
			return &odoo.RemoteWriteError{Model: model, Method: "write", Code: 2, Message: fmt.Sprintf("Record %s(%d) does not exist", model, id)}
		}
		for k, v := range values {
			if x2many[k] {
				rec[k] = applyCommands(toIDs(rec[k]), v)
				continue
			}
			rec[k] = normalize(v)
		}
	}
	s.calls = append(s.calls, Call{Model: model, Method: "write", IDs: ids, Values: values})
	for _, id := range ids {
		s.afterChange(model, id)
	}
	return nil
}

// Unlink implements the client's unlink
func (s *Server) Unlink(ctx context.Context, model string, ids []int64) error {
	if err := s.fail(model, "unlink", nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records[model], id)
	}
	s.calls = append(s.calls, Call{Model: model, Method: "unlink", IDs: ids})
	return nil
}

// DescribeFields implements the client's fields_get
func (s *Server) DescribeFields(ctx context.Context, model string) (map[string]odoo.FieldInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]odoo.FieldInfo, len(s.fields[model]))
	for k, v := range s.fields[model] {
		out[k] = v
	}
	return out, nil
}

func (s *Server) fail(model, method string, values map[string]interface{}) error {
	if s.FailOn == nil {
		return nil
	}
	return s.FailOn(model, method, values)
}

func (s *Server) insert(model string, values map[string]interface{}) int64 {
	s.nextID++
	id := s.nextID
	rec := Record{"id": id}
	if activeModels[model] {
		rec["active"] = true
	}
	for k, v := range values {
		if x2many[k] {
			rec[k] = applyCommands(nil, v)
			continue
		}
		rec[k] = normalize(v)
	}
	if s.records[model] == nil {
		s.records[model] = make(map[int64]Record)
	}
	s.records[model][id] = rec
	return id
}

// afterChange mimics Odoo's variant regeneration
func (s *Server) afterChange(model string, id int64) {
	switch model {
	case "product.template":
		s.regenerateVariants(id)
	case "product.template.attribute.line":
		if tmpl, ok := toInt(s.records[model][id]["product_tmpl_id"]); ok {
			s.regenerateVariants(tmpl)
		}
	}
}

func (s *Server) regenerateVariants(tmplID int64) {
	if _, ok := s.records["product.template"][tmplID]; !ok {
		return
	}

	var lineIDs []int64
	for _, lid := range s.sortedIDs("product.template.attribute.line") {
		if tid, _ := toInt(s.records["product.template.attribute.line"][lid]["product_tmpl_id"]); tid == tmplID {
			lineIDs = append(lineIDs, lid)
		}
	}

	combos := [][]int64{{}}
	for _, lid := range lineIDs {
		line := s.records["product.template.attribute.line"][lid]
		attrID, _ := toInt(line["attribute_id"])
		var ptavs []int64
		for _, vid := range toIDs(line["value_ids"]) {
			ptavs = append(ptavs, s.ensurePTAV(tmplID, lid, attrID, vid))
		}
		if len(ptavs) == 0 {
			continue
		}
		var next [][]int64
		for _, c := range combos {
			for _, p := range ptavs {
				combo := append(append([]int64(nil), c...), p)
				next = append(next, combo)
			}
		}
		combos = next
	}

	wanted := make(map[string]bool, len(combos))
	for _, c := range combos {
		wanted[comboKey(c)] = true
	}

	have := make(map[string]bool)
	for _, vid := range s.sortedIDs("product.product") {
		v := s.records["product.product"][vid]
		if tid, _ := toInt(v["product_tmpl_id"]); tid != tmplID {
			continue
		}
		key := comboKey(toIDs(v["product_template_attribute_value_ids"]))
		if wanted[key] && v["active"] == true && !have[key] {
			have[key] = true
			continue
		}
		v["active"] = false
	}

	for _, c := range combos {
		key := comboKey(c)
		if have[key] {
			continue
		}
		s.insert("product.product", map[string]interface{}{
			"product_tmpl_id":                      tmplID,
			"product_template_attribute_value_ids": []interface{}{[]interface{}{6, 0, c}},
			"default_code":                         false,
		})
		have[key] = true
	}
}

func (s *Server) ensurePTAV(tmplID, lineID, attrID, valueID int64) int64 {
	for _, id := range s.sortedIDs("product.template.attribute.value") {
		r := s.records["product.template.attribute.value"][id]
		l, _ := toInt(r["attribute_line_id"])
		v, _ := toInt(r["product_attribute_value_id"])
		if l == lineID && v == valueID {
			return id
		}
	}
	name := ""
	if val, ok := s.records["product.attribute.value"][valueID]; ok {
		name, _ = val["name"].(string)
	}
	return s.insert("product.template.attribute.value", map[string]interface{}{
		"product_tmpl_id":            tmplID,
		"attribute_line_id":          lineID,
		"attribute_id":               attrID,
		"product_attribute_value_id": valueID,
		"name":                       name,
	})
}

func (s *Server) search(model string, domain []interface{}) ([]int64, error) {
	conds := make([][]interface{}, 0, len(domain))
	mentionsActive := false
	for _, term := range domain {
		c, ok := term.([]interface{})
		if !ok || len(c) != 3 {
			return nil, fmt.Errorf("odootest: unsupported domain term %v", term)
		}
		if c[0] == "active" {
			mentionsActive = true
		}
		conds = append(conds, c)
	}
	if activeModels[model] && !mentionsActive {
		conds = append(conds, []interface{}{"active", "=", true})
	}

	var out []int64
	for _, id := range s.sortedIDs(model) {
		rec := s.records[model][id]
		match := true
		for _, c := range conds {
			ok, err := s.matches(model, rec, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Server) matches(model string, rec Record, c []interface{}) (bool, error) {
	field, _ := c[0].(string)
	op, _ := c[1].(string)
	actual := s.fieldValue(model, rec, field)
	want := normalize(c[2])

	switch op {
	case "=":
		return equal(actual, want), nil
	case "!=":
		return !equal(actual, want), nil
	case "in", "not in":
		found := false
		for _, v := range toList(want) {
			if equal(actual, v) {
				found = true
				break
			}
		}
		return found == (op == "in"), nil
	}
	return false, fmt.Errorf("odootest: unsupported operator %q", op)
}

// fieldValue resolves plain and one-level dotted fields
func (s *Server) fieldValue(model string, rec Record, field string) interface{} {
	head, tail, dotted := strings.Cut(field, ".")
	if !dotted {
		v, ok := rec[field]
		if !ok {
			return false
		}
		return v
	}
	relModel, ok := many2one[head]
	if !ok {
		return false
	}
	relID, ok := toInt(rec[head])
	if !ok {
		return false
	}
	related, ok := s.records[relModel][relID]
	if !ok {
		return false
	}
	return s.fieldValue(relModel, related, tail)
}

func (s *Server) render(model string, ids []int64, fields []string) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		rec := s.records[model][id]
		row := map[string]interface{}{"id": id}
		names := fields
		if len(names) == 0 {
			for k := range rec {
				names = append(names, k)
			}
		}
		for _, f := range names {
			v, ok := rec[f]
			if !ok || v == nil {
				row[f] = false
				continue
			}
			if relModel, isM2O := many2one[f]; isM2O {
				relID, ok := toInt(v)
				if !ok || relID == 0 {
					row[f] = false
					continue
				}
				name := ""
				if rel, ok := s.records[relModel][relID]; ok {
					name, _ = rel["name"].(string)
				}
				row[f] = []interface{}{relID, name}
				continue
			}
			if x2many[f] {
				row[f] = toIDs(v)
				continue
			}
			row[f] = v
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *Server) sortedIDs(model string) []int64 {
	ids := make([]int64, 0, len(s.records[model]))
	for id := range s.records[model] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func page(ids []int64, limit, offset int) []int64 {
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

// applyCommands applies x2many commands (6,0,ids), (4,id), (3,id) or a bare id list
func applyCommands(current []int64, v interface{}) []int64 {
	list := toList(normalize(v))
	out := append([]int64(nil), current...)
	for _, item := range list {
		cmd := toList(item)
		if len(cmd) == 0 {
			if id, ok := toInt(item); ok {
				out = appendUnique(out, id)
			}
			continue
		}
		code, _ := toInt(cmd[0])
		switch code {
		case 6:
			out = nil
			if len(cmd) > 2 {
				for _, id := range toList(cmd[2]) {
					if n, ok := toInt(id); ok {
						out = appendUnique(out, n)
					}
				}
			}
		case 4:
			if id, ok := toInt(cmd[1]); ok {
				out = appendUnique(out, id)
			}
		case 3:
			if id, ok := toInt(cmd[1]); ok {
				out = removeID(out, id)
			}
		}
	}
	return out
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func comboKey(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprint(sorted)
}

// normalize converts numbers to int64/float64 and slices to []interface{}
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return float64(n)
	case []int64:
		out := make([]interface{}, len(n))
		for i, x := range n {
			out[i] = x
		}
		return out
	case []string:
		out := make([]interface{}, len(n))
		for i, x := range n {
			out[i] = x
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, x := range n {
			out[i] = normalize(x)
		}
		return out
	}
	return v
}

func toList(v interface{}) []interface{} {
	l, _ := normalize(v).([]interface{})
	return l
}

func toInt(v interface{}) (int64, bool) {
	switch n := normalize(v).(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toIDs(v interface{}) []int64 {
	var out []int64
	for _, x := range toList(v) {
		if id, ok := toInt(x); ok {
			out = append(out, id)
		}
	}
	return out
}

func equal(a, b interface{}) bool {
	a, b = normalize(a), normalize(b)
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	if a == nil {
		a = false
	}
	if b == nil {
		b = false
	}
	switch a.(type) {
	case string, bool:
		return a == b
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
