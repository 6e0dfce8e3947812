package network

import (
	"fmt"

	"github.com/knights-analytics/yolograph/scaling"
)

// Op is the block a stage builds.
type Op int

const (
	OpConv Op = iota
	OpAggregation
	OpPyramidPool
	OpUpsample
	OpConcat
)

var opStrings = []string{
	OpConv:        "Conv",
	OpAggregation: "C2f",
	OpPyramidPool: "SPPF",
	OpUpsample:    "Upsample",
	OpConcat:      "Concat",
}

func (o Op) String() string {
	if int(o) < 0 || int(o) >= len(opStrings) {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opStrings[o]
}

// Previous refers to the output of the stage just before.
const Previous = -1

// Stage describes one numbered stage of the backbone and neck. Channels and Repeats are
// nominal values, scaled by the width and depth multiples.
type Stage struct {
	Op       Op
	From     []int
	Channels int
	Repeats  int
	Stride   int
	Shortcut bool
}

// Architecture lists stages 0 to 21. Stages 0-9 are the backbone, 10-21 the neck whose
// stages 15, 18 and 21 feed the output head at strides 8, 16 and 32.
var Architecture = []Stage{
	{Op: OpConv, From: []int{Previous}, Channels: 64, Stride: 2},
	{Op: OpConv, From: []int{Previous}, Channels: 128, Stride: 2},
	{Op: OpAggregation, From: []int{Previous}, Channels: 128, Repeats: 3, Shortcut: true},
	{Op: OpConv, From: []int{Previous}, Channels: 256, Stride: 2},
	{Op: OpAggregation, From: []int{Previous}, Channels: 256, Repeats: 6, Shortcut: true},
	{Op: OpConv, From: []int{Previous}, Channels: 512, Stride: 2},
	{Op: OpAggregation, From: []int{Previous}, Channels: 512, Repeats: 6, Shortcut: true},
	{Op: OpConv, From: []int{Previous}, Channels: 1024, Stride: 2},
	{Op: OpAggregation, From: []int{Previous}, Channels: 1024, Repeats: 3, Shortcut: true},
	{Op: OpPyramidPool, From: []int{Previous}, Channels: 1024},

	{Op: OpUpsample, From: []int{Previous}, Stride: 2},
	{Op: OpConcat, From: []int{Previous, 6}},
	{Op: OpAggregation, From: []int{Previous}, Channels: 512, Repeats: 3},
	{Op: OpUpsample, From: []int{Previous}, Stride: 2},
	{Op: OpConcat, From: []int{Previous, 4}},
	{Op: OpAggregation, From: []int{Previous}, Channels: 256, Repeats: 3},
	{Op: OpConv, From: []int{Previous}, Channels: 256, Stride: 2},
	{Op: OpConcat, From: []int{Previous, 12}},
	{Op: OpAggregation, From: []int{Previous}, Channels: 512, Repeats: 3},
	{Op: OpConv, From: []int{Previous}, Channels: 512, Stride: 2},
	{Op: OpConcat, From: []int{Previous, 9}},
	{Op: OpAggregation, From: []int{Previous}, Channels: 1024, Repeats: 3},
}

// OutputStages feed the output head, finest scale first.
var OutputStages = []int{15, 18, 21}

// HeadStage is the index of the output head in weight paths.
const HeadStage = 22

// Width is the scaled channel count of a stage, or 0 for stages that do not set one.
func (s Stage) Width(widthMultiple float64, maxChannels int) int {
	if s.Channels == 0 {
		return 0
	}
	return scaling.ScaledWidth(s.Channels, widthMultiple, maxChannels)
}

// Depth is the scaled bottleneck count of an aggregation stage.
func (s Stage) Depth(depthMultiple float64) int {
	if s.Repeats == 0 {
		return 0
	}
	return scaling.ScaledDepth(s.Repeats, depthMultiple)
}
