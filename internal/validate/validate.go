// Package validate checks request bodies against per-endpoint validation
// schemas. Schemas are stored as documents in the endpoint_validation
// collection and interpreted structurally, so operators can change them
// without redeploying the gateway.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

// Rule describes the constraints on a single field. Min/Max apply to string
// length, numeric value or array length depending on Type.
type Rule struct {
	Type     string          `json:"type"` // string, number, integer, boolean, object, array
	Required bool            `json:"required"`
	Min      *float64        `json:"min,omitempty"`
	Max      *float64        `json:"max,omitempty"`
	Format   string          `json:"format,omitempty"` // email, uuid, date, datetime, regex:<pattern>
	Enum     []any           `json:"enum,omitempty"`
	Fields   map[string]Rule `json:"fields,omitempty"` // object members
	Items    *Rule           `json:"items,omitempty"`  // array element rule
}

// Schema is a named set of top-level field rules.
type Schema struct {
	Name   string          `json:"endpoint_validation"`
	Fields map[string]Rule `json:"fields"`
}

// Validator loads schemas from the store and applies them.
type Validator struct {
	store store.Store
}

// New creates a Validator over the document store.
func New(st store.Store) *Validator {
	return &Validator{store: st}
}

// Validate checks a JSON body against the named schema. A missing schema
// document passes the request through: validation is opt-in per endpoint.
func (v *Validator) Validate(ctx context.Context, schemaName string, body []byte) error {
	schema, err := v.schema(ctx, schemaName)
	if err != nil || schema == nil {
		return err
	}
	return Apply(schema, body)
}

// ValidateSOAP checks the child elements of a SOAP Body against the named
// schema. The envelope is decoded into a document tree and run through the
// same rule walker as JSON bodies, so one schema dialect covers both.
func (v *Validator) ValidateSOAP(ctx context.Context, schemaName string, body []byte) error {
	schema, err := v.schema(ctx, schemaName)
	if err != nil || schema == nil {
		return err
	}
	tree, err := soapBodyTree(body)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(tree)
	if err != nil {
		return gateway.Wrap(gateway.ErrInternal, err)
	}
	return Apply(schema, encoded)
}

func (v *Validator) schema(ctx context.Context, schemaName string) (*Schema, error) {
	if schemaName == "" {
		return nil, nil
	}
	doc, err := v.store.FindOne(ctx, store.CollEndpointValidation,
		store.Filter{"endpoint_validation": schemaName})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	var schema Schema
	if err := store.Decode(doc, &schema); err != nil {
		return nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	return &schema, nil
}

// soapBodyTree decodes the element tree under the SOAP Body. Elements with
// children become objects, repeated names become arrays, and leaf text is
// coerced to a number or boolean when it parses as one.
func soapBodyTree(body []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gateway.Errf(gateway.ErrValidation, "malformed XML: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !strings.EqualFold(se.Name.Local, "envelope") {
			return nil, gateway.Errf(gateway.ErrValidation, "root element must be Envelope, got %s", se.Name.Local)
		}
		return bodyChildren(dec)
	}
	return nil, gateway.Errf(gateway.ErrValidation, "SOAP envelope is missing a Body element")
}

// bodyChildren scans the Envelope's direct children for the Body element and
// returns its decoded content.
func bodyChildren(dec *xml.Decoder) (map[string]any, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, gateway.Errf(gateway.ErrValidation, "SOAP envelope is missing a Body element")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !strings.EqualFold(se.Name.Local, "body") {
			if err := dec.Skip(); err != nil {
				return nil, gateway.Errf(gateway.ErrValidation, "malformed XML: %v", err)
			}
			continue
		}
		v, err := elementValue(dec)
		if err != nil {
			return nil, gateway.Errf(gateway.ErrValidation, "malformed XML: %v", err)
		}
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{}, nil
	}
}

// elementValue consumes tokens through the current element's end tag.
func elementValue(dec *xml.Decoder) (any, error) {
	children := map[string]any{}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := elementValue(dec)
			if err != nil {
				return nil, err
			}
			addChild(children, t.Name.Local, v)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) > 0 {
				return children, nil
			}
			return coerceScalar(strings.TrimSpace(text.String())), nil
		}
	}
}

// addChild folds repeated element names into an array.
func addChild(m map[string]any, name string, v any) {
	switch prev := m[name].(type) {
	case nil:
		m[name] = v
	case []any:
		m[name] = append(prev, v)
	default:
		m[name] = []any{prev, v}
	}
}

func coerceScalar(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// Apply checks body against an already-loaded schema.
func Apply(schema *Schema, body []byte) error {
	if len(schema.Fields) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return gateway.Errf(gateway.ErrValidation, "body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gateway.Errf(gateway.ErrValidation, "body must be a JSON object")
	}
	return checkFields(schema.Fields, root, "")
}

func checkFields(fields map[string]Rule, obj gjson.Result, prefix string) error {
	for name, rule := range fields {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		val := obj.Get(name)
		if !val.Exists() {
			if rule.Required {
				return gateway.Errf(gateway.ErrValidation, "field %s is required", path)
			}
			continue
		}
		if err := checkRule(rule, val, path); err != nil {
			return err
		}
	}
	return nil
}

func checkRule(rule Rule, val gjson.Result, path string) error {
	switch rule.Type {
	case "string":
		if val.Type != gjson.String {
			return typeErr(path, "string")
		}
		n := float64(len(val.Str))
		if rule.Min != nil && n < *rule.Min {
			return gateway.Errf(gateway.ErrValidation, "field %s shorter than %v", path, *rule.Min)
		}
		if rule.Max != nil && n > *rule.Max {
			return gateway.Errf(gateway.ErrValidation, "field %s longer than %v", path, *rule.Max)
		}
		if err := checkFormat(rule.Format, val.Str, path); err != nil {
			return err
		}
	case "number", "integer":
		if val.Type != gjson.Number {
			return typeErr(path, rule.Type)
		}
		if rule.Type == "integer" && val.Num != float64(int64(val.Num)) {
			return typeErr(path, "integer")
		}
		if rule.Min != nil && val.Num < *rule.Min {
			return gateway.Errf(gateway.ErrValidation, "field %s below minimum %v", path, *rule.Min)
		}
		if rule.Max != nil && val.Num > *rule.Max {
			return gateway.Errf(gateway.ErrValidation, "field %s above maximum %v", path, *rule.Max)
		}
	case "boolean":
		if val.Type != gjson.True && val.Type != gjson.False {
			return typeErr(path, "boolean")
		}
	case "object":
		if !val.IsObject() {
			return typeErr(path, "object")
		}
		if err := checkFields(rule.Fields, val, path); err != nil {
			return err
		}
	case "array":
		if !val.IsArray() {
			return typeErr(path, "array")
		}
		items := val.Array()
		n := float64(len(items))
		if rule.Min != nil && n < *rule.Min {
			return gateway.Errf(gateway.ErrValidation, "field %s has fewer than %v items", path, *rule.Min)
		}
		if rule.Max != nil && n > *rule.Max {
			return gateway.Errf(gateway.ErrValidation, "field %s has more than %v items", path, *rule.Max)
		}
		if rule.Items != nil {
			for i, item := range items {
				if err := checkRule(*rule.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "":
		// Untyped rule: enum/required only.
	default:
		return gateway.Errf(gateway.ErrValidation, "field %s has unknown schema type %q", path, rule.Type)
	}

	if len(rule.Enum) > 0 && !inEnum(rule.Enum, val) {
		return gateway.Errf(gateway.ErrValidation, "field %s not in allowed values", path)
	}
	return nil
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func checkFormat(format, s, path string) error {
	switch {
	case format == "":
		return nil
	case format == "email":
		if _, err := mail.ParseAddress(s); err != nil {
			return gateway.Errf(gateway.ErrValidation, "field %s is not a valid email", path)
		}
	case format == "uuid":
		if !uuidPattern.MatchString(s) {
			return gateway.Errf(gateway.ErrValidation, "field %s is not a valid uuid", path)
		}
	case format == "date":
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return gateway.Errf(gateway.ErrValidation, "field %s is not a valid date", path)
		}
	case format == "datetime":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return gateway.Errf(gateway.ErrValidation, "field %s is not a valid datetime", path)
		}
	case len(format) > 6 && format[:6] == "regex:":
		re, err := regexp.Compile(format[6:])
		if err != nil {
			return gateway.Errf(gateway.ErrValidation, "field %s has an invalid format pattern", path)
		}
		if !re.MatchString(s) {
			return gateway.Errf(gateway.ErrValidation, "field %s does not match required pattern", path)
		}
	default:
		return gateway.Errf(gateway.ErrValidation, "field %s has unknown format %q", path, format)
	}
	return nil
}

func inEnum(enum []any, val gjson.Result) bool {
	for _, e := range enum {
		switch want := e.(type) {
		case string:
			if val.Type == gjson.String && val.Str == want {
				return true
			}
		case float64:
			if val.Type == gjson.Number && val.Num == want {
				return true
			}
		case bool:
			if val.IsBool() && val.Bool() == want {
				return true
			}
		}
	}
	return false
}

func typeErr(path, want string) error {
	return gateway.Errf(gateway.ErrValidation, "field %s must be of type %s", path, want)
}
