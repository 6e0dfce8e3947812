package weights

import "fmt"

// Missing is the Got value of a WeightContractError for an absent path.
const Missing = -1

// WeightContractError reports a required weight that is absent or whose element count
// does not match the shape the graph needs.
type WeightContractError struct {
	Path string
	Want int
	Got  int
}

func (e *WeightContractError) Error() string {
	if e.Got == Missing {
		return fmt.Sprintf("weight contract: %s is missing (want %d elements)", e.Path, e.Want)
	}
	return fmt.Sprintf("weight contract: %s has %d elements, want %d", e.Path, e.Got, e.Want)
}
