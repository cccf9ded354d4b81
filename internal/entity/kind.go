package entity

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DateLayout is the wire and storage format of date attributes.
const DateLayout = "2006-01-02"

// ValueType is the canonical Go type an attribute holds once loaded.
type ValueType string

const (
	TypeString ValueType = "string" // string
	TypeInt    ValueType = "int"    // int64
	TypeBool   ValueType = "bool"   // bool
	TypeDate   ValueType = "date"   // time.Time at UTC midnight
)

// Attribute describes one slot of a kind.
type Attribute struct {
	Name     string
	Type     ValueType
	ReadOnly bool
}

// Kind is the definition of one entity type.
type Kind struct {
	Code  string
	Table string

	attrs  []Attribute
	byName map[string]Attribute
	schema *jsonschema.Schema
}

const (
	CodeAccount = "account"
	CodePerson  = "person"
	CodeGroup   = "group"
	CodeOU      = "ou"
)

var kinds = map[string]*Kind{
	CodeAccount: mustKind(CodeAccount, "accounts", []Attribute{
		{Name: "id", Type: TypeInt, ReadOnly: true},
		{Name: "name", Type: TypeString},
		{Name: "owner_id", Type: TypeInt},
		{Name: "expire_date", Type: TypeDate},
		{Name: "create_date", Type: TypeDate, ReadOnly: true},
		{Name: "np_type", Type: TypeString},
	}),
	CodePerson: mustKind(CodePerson, "persons", []Attribute{
		{Name: "id", Type: TypeInt, ReadOnly: true},
		{Name: "first_name", Type: TypeString},
		{Name: "last_name", Type: TypeString},
		{Name: "birth_date", Type: TypeDate},
		{Name: "gender", Type: TypeString},
	}),
	CodeGroup: mustKind(CodeGroup, "groups", []Attribute{
		{Name: "id", Type: TypeInt, ReadOnly: true},
		{Name: "name", Type: TypeString},
		{Name: "description", Type: TypeString},
		{Name: "visibility", Type: TypeString},
		{Name: "expire_date", Type: TypeDate},
	}),
	CodeOU: mustKind(CodeOU, "ous", []Attribute{
		{Name: "id", Type: TypeInt, ReadOnly: true},
		{Name: "name", Type: TypeString},
		{Name: "acronym", Type: TypeString},
		{Name: "parent_id", Type: TypeInt},
	}),
}

// Lookup returns the kind registered under code.
func Lookup(code string) (*Kind, error) {
	k, ok := kinds[code]
	if !ok {
		return nil, &NoSuchTypeError{Code: code}
	}
	return k, nil
}

// Codes lists every known type code, sorted.
func Codes() []string {
	out := make([]string, 0, len(kinds))
	for code := range kinds {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func mustKind(code, table string, attrs []Attribute) *Kind {
	k := &Kind{Code: code, Table: table, attrs: attrs, byName: make(map[string]Attribute, len(attrs))}
	for _, a := range attrs {
		k.byName[a.Name] = a
	}
	sch, err := compileSchema(code)
	if err != nil {
		panic(fmt.Sprintf("entity kind %s: %v", code, err))
	}
	k.schema = sch
	return k
}

func compileSchema(code string) (*jsonschema.Schema, error) {
	f, err := schemaFS.Open("schemas/" + code + ".json")
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()

	parsed, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	compiler.AssertFormat()

	url := code + ".json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Attributes returns the kind's attributes in declaration order.
func (k *Kind) Attributes() []Attribute {
	return append([]Attribute(nil), k.attrs...)
}

// Attribute looks up one attribute by name.
func (k *Kind) Attribute(name string) (Attribute, error) {
	a, ok := k.byName[name]
	if !ok {
		return Attribute{}, &NoSuchAttributeError{Kind: k.Code, Name: name}
	}
	return a, nil
}

// Columns returns the attribute names, which double as column names.
func (k *Kind) Columns() []string {
	out := make([]string, len(k.attrs))
	for i, a := range k.attrs {
		out[i] = a.Name
	}
	return out
}

// Normalize checks that name is writable and converts value to its canonical
// type, validating it against the kind's schema.
func (k *Kind) Normalize(name string, value any) (any, error) {
	a, err := k.Attribute(name)
	if err != nil {
		return nil, err
	}
	if a.ReadOnly {
		return nil, &ReadOnlyAttributeError{Kind: k.Code, Name: name}
	}
	v, err := coerce(a.Type, value)
	if err != nil {
		return nil, &InvalidValueError{Kind: k.Code, Name: name, Err: err}
	}
	if err := k.schema.Validate(map[string]any{name: Encode(v)}); err != nil {
		return nil, &InvalidValueError{Kind: k.Code, Name: name, Err: err}
	}
	return v, nil
}

// Decode converts a raw record from a backing store into canonical values.
// Columns the kind does not define are dropped; missing ones load as nil.
func (k *Kind) Decode(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(k.attrs))
	for _, a := range k.attrs {
		v, err := coerce(a.Type, raw[a.Name])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", k.Code, a.Name, err)
		}
		out[a.Name] = v
	}
	return out, nil
}

// Encode converts canonical values into what a backing store accepts.
func Encode(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(DateLayout)
	}
	return v
}

func coerce(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return truncateDate(d), nil
		case string:
			return parseDate(d)
		case []byte:
			return parseDate(string(d))
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

func parseDate(s string) (any, error) {
	// SQL drivers may hand back a full timestamp for DATE columns.
	s = strings.TrimSpace(s)
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, errors.New("date must be formatted YYYY-MM-DD")
	}
	return d, nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
