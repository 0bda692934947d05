package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindDataQuality, KindOf(DataQuality("bad data")))
	assert.Equal(t, KindConflict, KindOf(Conflict(3)))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain error")))

	wrapped := fmt.Errorf("outer: %w", ModelUnavailable("churn"))
	assert.Equal(t, KindModelUnavailable, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindModelUnavailable))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := TrainingExec("registering", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "registering")
	assert.Contains(t, err.Error(), "disk full")
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	base := QualityGate(map[string]float64{"accuracy": 0.7})
	derived := base.With("gate_metric", "accuracy")

	_, ok := base.Details["gate_metric"]
	assert.False(t, ok)
	assert.Equal(t, "accuracy", derived.Details["gate_metric"])
	// The shared details survive the copy.
	assert.NotNil(t, derived.Details["metrics"])
}

func TestConflictNamesWinner(t *testing.T) {
	err := Conflict(7)
	assert.Contains(t, err.Error(), "7")
	assert.Equal(t, int64(7), err.Details["production_version"])
}

func TestInputSchemaNamesMissing(t *testing.T) {
	err := InputSchema([]string{"age", "city"})
	require.Contains(t, err.Error(), "age")
	assert.Equal(t, []string{"age", "city"}, err.Details["missing_features"])
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InputSchema([]string{"x"}), http.StatusBadRequest},
		{DataQuality("bad"), http.StatusBadRequest},
		{NotFound("gone"), http.StatusNotFound},
		{Conflict(1), http.StatusConflict},
		{QualityGate(nil), http.StatusUnprocessableEntity},
		{ModelUnavailable("m"), http.StatusServiceUnavailable},
		{Timeout("predict"), http.StatusGatewayTimeout},
		{Internal(fmt.Errorf("boom")), http.StatusInternalServerError},
		{fmt.Errorf("foreign"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}
