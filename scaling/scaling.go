// Package scaling maps the nominal channel and depth counts of the YOLOv8 family onto the
// concrete values of a given variant.
package scaling

import (
	"fmt"
	"math"
)

// ChannelDivisor is the alignment every scaled channel count is rounded up to.
const ChannelDivisor = 8

// ScaledWidth returns ceil(nominal*widthMultiple/8)*8 capped at maxChannels.
func ScaledWidth(nominal int, widthMultiple float64, maxChannels int) int {
	return ScaledWidthDivisor(nominal, widthMultiple, maxChannels, ChannelDivisor)
}

// ScaledWidthDivisor is ScaledWidth with an explicit alignment.
func ScaledWidthDivisor(nominal int, widthMultiple float64, maxChannels, divisor int) int {
	if nominal < 0 || widthMultiple < 0 || maxChannels < 0 || divisor <= 0 {
		panic(fmt.Sprintf("scaling: invalid width arguments nominal=%d gw=%g max=%d divisor=%d",
			nominal, widthMultiple, maxChannels, divisor))
	}
	channels := int(math.Ceil(float64(nominal)*widthMultiple/float64(divisor))) * divisor
	if channels >= maxChannels {
		return maxChannels
	}
	return channels
}

// ScaledDepth returns the number of repeated blocks of a stage. Single-block stages are
// never scaled. Exact halves round away from zero unless the floor is even, in which
// case they round down.
func ScaledDepth(nominal int, depthMultiple float64) int {
	if nominal < 0 || depthMultiple < 0 {
		panic(fmt.Sprintf("scaling: invalid depth arguments nominal=%d gd=%g", nominal, depthMultiple))
	}
	if nominal == 1 {
		return 1
	}
	product := float64(nominal) * depthMultiple
	r := int(math.Round(product))
	floor := math.Floor(product)
	if product-floor == 0.5 && int(floor)%2 == 0 {
		r--
	}
	return max(r, 1)
}
