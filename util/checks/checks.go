// Package checks holds the fatal error helpers of the command line, in its own package
// to prevent dependency cycles.
package checks

import (
	"errors"
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/yolograph/backends"
	"github.com/knights-analytics/yolograph/options"
	"github.com/knights-analytics/yolograph/weights"
)

// Kind classifies a compilation error for logging: "configuration", "weights",
// "runtime" or "internal".
func Kind(err error) string {
	var cfg *options.ConfigurationError
	var contract *weights.WeightContractError
	var runtime *backends.RuntimeBuildError
	switch {
	case errors.As(err, &cfg):
		return "configuration"
	case errors.As(err, &contract):
		return "weights"
	case errors.As(err, &runtime):
		return "runtime"
	default:
		return "internal"
	}
}

// CheckWithMessage logs err with its kind and exits. Internal errors also log the stack.
func CheckWithMessage(err error, message string) {
	if err == nil {
		return
	}
	kind := Kind(err)
	if kind != "internal" {
		log.Fatal().Str("kind", kind).Err(err).Msg(message)
		return
	}
	stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
	log.Fatal().Stack().Str("kind", kind).Err(err).Str("stack", stack).Msg(message)
}
