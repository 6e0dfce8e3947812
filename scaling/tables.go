package scaling

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultBoxBranchWidth is the intermediate width of the box regression branch.
	DefaultBoxBranchWidth = 64
	// LargeBoxBranchWidth is the box branch width of the x variant (gw 1.25).
	LargeBoxBranchWidth = 80
	// LargeBoxBranchMultiple is the width multiple that selects LargeBoxBranchWidth.
	LargeBoxBranchMultiple = 1.25

	// SmallClassBranchMultiple is the width multiple whose class branch width is derived
	// from the class count instead of the scaled width.
	SmallClassBranchMultiple = 0.25
	// SmallClassBranchFloor and SmallClassBranchCeiling bound the class count used as
	// the class branch width of the n variant.
	SmallClassBranchFloor   = 64
	SmallClassBranchCeiling = 100

	// ClassBranchNominal is the nominal class branch width before scaling.
	ClassBranchNominal = 256
)

// maskCoefficientWidths is the intermediate width of the mask coefficient branch, keyed by
// width multiple.
var maskCoefficientWidths = map[float64]int{
	0.25: 32,
	0.50: 32,
	0.75: 48,
	1.00: 64,
	1.25: 80,
}

// MaskCoefficientWidth returns the mask coefficient branch width for widthMultiple. There
// is no default: an unknown multiple is an error.
func MaskCoefficientWidth(widthMultiple float64) (int, error) {
	width, ok := maskCoefficientWidths[widthMultiple]
	if !ok {
		known := make([]string, 0, len(maskCoefficientWidths))
		for gw := range maskCoefficientWidths {
			known = append(known, fmt.Sprintf("%g", gw))
		}
		sort.Strings(known)
		return 0, fmt.Errorf("no mask coefficient width for width multiple %g (supported: %s)",
			widthMultiple, strings.Join(known, ", "))
	}
	return width, nil
}

// BoxBranchWidth returns the intermediate width of the box regression branch.
func BoxBranchWidth(widthMultiple float64) int {
	if widthMultiple == LargeBoxBranchMultiple {
		return LargeBoxBranchWidth
	}
	return DefaultBoxBranchWidth
}

// ClassBranchWidth returns the intermediate width of the classification branch.
func ClassBranchWidth(widthMultiple float64, numClasses, maxChannels int) int {
	if widthMultiple == SmallClassBranchMultiple {
		return max(SmallClassBranchFloor, min(numClasses, SmallClassBranchCeiling))
	}
	return ScaledWidth(ClassBranchNominal, widthMultiple, maxChannels)
}

// Variant is one of the named members of the model family.
type Variant struct {
	Name          string
	DepthMultiple float64
	WidthMultiple float64
	MaxChannels   int
}

var variants = []Variant{
	{Name: "n", DepthMultiple: 0.33, WidthMultiple: 0.25, MaxChannels: 1024},
	{Name: "s", DepthMultiple: 0.33, WidthMultiple: 0.50, MaxChannels: 1024},
	{Name: "m", DepthMultiple: 0.67, WidthMultiple: 0.75, MaxChannels: 768},
	{Name: "l", DepthMultiple: 1.00, WidthMultiple: 1.00, MaxChannels: 512},
	{Name: "x", DepthMultiple: 1.00, WidthMultiple: 1.25, MaxChannels: 640},
}

// LookupVariant returns the named variant (n, s, m, l or x).
func LookupVariant(name string) (Variant, error) {
	for _, v := range variants {
		if v.Name == name {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("unknown model variant %q", name)
}

// Variants lists the known variants from smallest to largest.
func Variants() []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	return out
}
