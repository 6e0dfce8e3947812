package checks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/yolograph/backends"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "configuration", Kind(&options.ConfigurationError{Field: "task"}))
	joined := errors.Join(&weights.WeightContractError{Path: "model.0.conv.weight", Got: weights.Missing})
	assert.Equal(t, "weights", Kind(fmt.Errorf("compiling: %w", joined)))
	assert.Equal(t, "runtime", Kind(&backends.RuntimeBuildError{Backend: "manifest", Err: errors.New("boom")}))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}

func TestCheckNil(t *testing.T) {
	assert.NotPanics(t, func() { CheckWithMessage(nil, "unused") })
}
