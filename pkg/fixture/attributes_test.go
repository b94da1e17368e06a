package fixture

import (
	"testing"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCastIntRejectsBoolAndFloat(t *testing.T) {
	_, err := castValue(models.AttrTypeInt, true)
	assert.Error(t, err)

	_, err = castValue(models.AttrTypeInt, 2.5)
	assert.Error(t, err)

	// JSON hands integers over as integral float64.
	v, err := castValue(models.AttrTypeInt, float64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = castValue(models.AttrTypeInt, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestCastBoolAcceptsStringForms(t *testing.T) {
	v, err := castValue(models.AttrTypeBool, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = castValue(models.AttrTypeBool, false)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = castValue(models.AttrTypeBool, "yes")
	assert.Error(t, err)

	_, err = castValue(models.AttrTypeBool, 1.0)
	assert.Error(t, err)
}

func TestCastStringRecastsPrimitives(t *testing.T) {
	v, err := castValue(models.AttrTypeString, 16.04)
	require.NoError(t, err)
	assert.Equal(t, "16.04", v)

	v, err = castValue(models.AttrTypeString, true)
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	_, err = castValue(models.AttrTypeString, map[string]any{"no": 1})
	assert.Error(t, err)
}

func TestCastFloatParsesString(t *testing.T) {
	v, err := castValue(models.AttrTypeFloat, "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = castValue(models.AttrTypeFloat, true)
	assert.Error(t, err)
}

func TestCastAttributeArrayWrapsScalar(t *testing.T) {
	schema := models.AttributeSchema{Type: models.AttrTypeInt, Flags: []string{models.AttrFlagArray}}

	v, err := castAttribute("cores", schema, []any{float64(1), "2"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, v)

	v, err = castAttribute("cores", schema, float64(4))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, v)
}

func TestCastAttributeOptions(t *testing.T) {
	schema := models.AttributeSchema{Type: models.AttrTypeString, Options: []any{"ssd", "standard"}}

	v, err := castAttribute("class", schema, "ssd")
	require.NoError(t, err)
	assert.Equal(t, "ssd", v)

	_, err = castAttribute("class", schema, "tape")
	assert.Error(t, err)
}

func TestInstallSchemaCastsOptionsAndDefault(t *testing.T) {
	installed, err := installSchema(map[string]models.AttributeSchema{
		"memory": {Type: models.AttrTypeInt, Options: []any{"1024", float64(2048)}, Default: "1024"},
	})
	require.NoError(t, err)

	assert.Equal(t, []any{int64(1024), int64(2048)}, installed["memory"].Options)
	assert.Equal(t, int64(1024), installed["memory"].Default)

	_, err = installSchema(map[string]models.AttributeSchema{"bad": {Type: "blob"}})
	assert.Error(t, err)
}

func TestNormalizeAttributes(t *testing.T) {
	class := &models.FixtureClass{
		Name: "Linux",
		Attributes: map[string]models.AttributeSchema{
			"hostname": {Type: models.AttrTypeString, Flags: []string{models.AttrFlagRequired}},
			"memory":   {Type: models.AttrTypeInt, Default: float64(1024)},
		},
	}

	class.Attributes = mustInstall(t, class.Attributes)

	attrs, err := normalizeAttributes(class, map[string]any{"hostname": "node-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-1", attrs["hostname"])
	assert.Equal(t, int64(1024), attrs["memory"])

	_, err = normalizeAttributes(class, map[string]any{"memory": float64(2048)})
	assert.Error(t, err, "missing required attribute")

	_, err = normalizeAttributes(class, map[string]any{"hostname": "n", "color": "red"})
	assert.Error(t, err, "undeclared attribute")
}

func TestMergeArtifactAttributesDropsInvalid(t *testing.T) {
	class := &models.FixtureClass{
		Name: "Linux",
		Attributes: map[string]models.AttributeSchema{
			"ip":     {Type: models.AttrTypeString},
			"memory": {Type: models.AttrTypeInt},
		},
	}

	inst := &models.FixtureInstance{Attributes: map[string]any{}}

	dropped := mergeArtifactAttributes(class, inst, map[string]any{
		"ip":      "10.0.0.7",
		"memory":  "not-a-number",
		"unknown": 1,
	})

	assert.Equal(t, "10.0.0.7", inst.Attributes["ip"])
	assert.NotContains(t, inst.Attributes, "memory")
	assert.Len(t, dropped, 2)
	assert.Contains(t, dropped, "memory")
	assert.Contains(t, dropped, "unknown")
}

func mustInstall(t *testing.T, attrs map[string]models.AttributeSchema) map[string]models.AttributeSchema {
	t.Helper()

	installed, err := installSchema(attrs)
	require.NoError(t, err)

	return installed
}
