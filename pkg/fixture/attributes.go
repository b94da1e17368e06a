package fixture

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
)

// castValue validates and casts a single value against an attribute type.
// JSON decoding hands every number over as float64, so the int validator
// accepts integral floats but rejects fractional ones and bools.
func castValue(attrType string, value any) (any, error) {
	switch attrType {
	case models.AttrTypeInt:
		return castInt(value)
	case models.AttrTypeBool:
		return castBool(value)
	case models.AttrTypeString:
		return castString(value)
	case models.AttrTypeFloat:
		return castFloat(value)
	default:
		return nil, axerror.ErrInvalidParam.WithDetailf("unknown attribute type %q", attrType)
	}
}

func castInt(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected int, got bool %v", v)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, axerror.ErrInvalidParam.WithDetailf("expected int, got float %v", v)
		}

		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, axerror.ErrInvalidParam.WithDetailf("expected int, got %q", v)
		}

		return n, nil
	default:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected int, got %T", value)
	}
}

func castBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		}

		return nil, axerror.ErrInvalidParam.WithDetailf("expected bool, got %q", v)
	default:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected bool, got %T", value)
	}
}

func castString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected string, got %T", value)
	}
}

func castFloat(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected float, got bool %v", v)
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, axerror.ErrInvalidParam.WithDetailf("expected float, got %q", v)
		}

		return f, nil
	default:
		return nil, axerror.ErrInvalidParam.WithDetailf("expected float, got %T", value)
	}
}

// castAttribute applies the full schema to one value: the array flag wraps
// the type validator element-wise (a scalar is treated as a one-element
// array), options narrow the accepted values.
func castAttribute(name string, schema models.AttributeSchema, value any) (any, error) {
	if schema.HasFlag(models.AttrFlagArray) {
		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}

		cast := make([]any, 0, len(items))

		for _, item := range items {
			v, err := castAttribute(name, withoutArrayFlag(schema), item)
			if err != nil {
				return nil, err
			}

			cast = append(cast, v)
		}

		return cast, nil
	}

	cast, err := castValue(schema.Type, value)
	if err != nil {
		return nil, axerror.ErrInvalidParam.WithDetailf("attribute %q: %v", name, axerror.Convert(err).Detail)
	}

	if len(schema.Options) > 0 && !optionAllowed(schema.Options, cast) {
		return nil, axerror.ErrInvalidParam.WithDetailf("attribute %q: value %v not in options %v", name, cast, schema.Options)
	}

	return cast, nil
}

func withoutArrayFlag(schema models.AttributeSchema) models.AttributeSchema {
	flags := make([]string, 0, len(schema.Flags))

	for _, f := range schema.Flags {
		if f != models.AttrFlagArray {
			flags = append(flags, f)
		}
	}

	schema.Flags = flags

	return schema
}

func optionAllowed(options []any, value any) bool {
	for _, opt := range options {
		if reflect.DeepEqual(opt, value) {
			return true
		}
	}

	return false
}

// installSchema validates and canonicalizes a class schema at install time:
// type names must be known, options and defaults are cast through the type
// validator so later equality checks compare like against like.
func installSchema(attributes map[string]models.AttributeSchema) (map[string]models.AttributeSchema, error) {
	installed := make(map[string]models.AttributeSchema, len(attributes))

	for name, schema := range attributes {
		switch schema.Type {
		case models.AttrTypeInt, models.AttrTypeBool, models.AttrTypeString, models.AttrTypeFloat:
		default:
			return nil, axerror.ErrInvalidParam.WithDetailf("attribute %q: unknown type %q", name, schema.Type)
		}

		elem := withoutArrayFlag(schema)

		for i, opt := range schema.Options {
			cast, err := castAttribute(name, elem, opt)
			if err != nil {
				return nil, fmt.Errorf("failed to install options for %q: %w", name, err)
			}

			schema.Options[i] = cast
		}

		if schema.Default != nil {
			cast, err := castAttribute(name, schema, schema.Default)
			if err != nil {
				return nil, fmt.Errorf("failed to install default for %q: %w", name, err)
			}

			schema.Default = cast
		}

		installed[name] = schema
	}

	return installed, nil
}

// normalizeAttributes validates a full attribute document against the class:
// unknown names are rejected, defaults fill absent optional attributes,
// required attributes must end up present.
func normalizeAttributes(class *models.FixtureClass, attrs map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(class.Attributes))

	for name, value := range attrs {
		schema, ok := class.Attributes[name]
		if !ok {
			return nil, axerror.ErrInvalidParam.WithDetailf("attribute %q not declared by class %s", name, class.Name)
		}

		cast, err := castAttribute(name, schema, value)
		if err != nil {
			return nil, err
		}

		normalized[name] = cast
	}

	for name, schema := range class.Attributes {
		if _, present := normalized[name]; present {
			continue
		}

		if schema.Default != nil {
			normalized[name] = schema.Default

			continue
		}

		if schema.HasFlag(models.AttrFlagRequired) {
			return nil, axerror.ErrInvalidParam.WithDetailf("attribute %q is required", name)
		}
	}

	return normalized, nil
}

// mergeArtifactAttributes folds action-produced attribute values into an
// instance. Values that fail validation are dropped and reported back so the
// caller can raise a notification; valid values are applied.
func mergeArtifactAttributes(class *models.FixtureClass, inst *models.FixtureInstance, artifacts map[string]any) (dropped map[string]any) {
	dropped = make(map[string]any)

	for name, value := range artifacts {
		schema, ok := class.Attributes[name]
		if !ok {
			dropped[name] = value

			continue
		}

		cast, err := castAttribute(name, schema, value)
		if err != nil {
			dropped[name] = value

			continue
		}

		if inst.Attributes == nil {
			inst.Attributes = make(map[string]any)
		}

		inst.Attributes[name] = cast
	}

	return dropped
}
