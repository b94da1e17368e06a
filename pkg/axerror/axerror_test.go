package axerror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedErrorMatchesBase(t *testing.T) {
	err := ErrResourceNotFound.WithDetailf("volume %q does not exist", "vol:/missing")

	assert.True(t, errors.Is(err, ErrResourceNotFound))
	assert.False(t, errors.Is(err, ErrInvalidParam))
	assert.Contains(t, err.Error(), "vol:/missing")
}

func TestWrappedErrorMatchesBase(t *testing.T) {
	err := fmt.Errorf("creating request: %w", ErrInvalidParam.New("empty requirements"))

	assert.True(t, errors.Is(err, ErrInvalidParam))
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
}

func TestStatusOfPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
}

func TestConvert(t *testing.T) {
	ax := Convert(errors.New("db down"))
	require.NotNil(t, ax)
	assert.Equal(t, ErrInternal.Code, ax.Code)
	assert.Equal(t, "db down", ax.Detail)

	same := ErrIllegalOperation.New("rename while deleting")
	assert.Same(t, same, Convert(same))

	assert.Nil(t, Convert(nil))
}
