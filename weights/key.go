package weights

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is the tensor role of a weight within its layer.
type Role int

const (
	RoleConvWeight Role = iota
	RoleBNWeight
	RoleBNBias
	RoleBNMean
	RoleBNVar
	RoleWeight
	RoleBias
)

var roleStrings = []string{
	RoleConvWeight: "conv.weight",
	RoleBNWeight:   "bn.weight",
	RoleBNBias:     "bn.bias",
	RoleBNMean:     "bn.running_mean",
	RoleBNVar:      "bn.running_var",
	RoleWeight:     "weight",
	RoleBias:       "bias",
}

func (r Role) String() string {
	if int(r) < 0 || int(r) >= len(roleStrings) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleStrings[r]
}

// ModelPrefix is the root of every weight path.
const ModelPrefix = "model"

// Key identifies one weight tensor: the stage index, the scope inside the stage (branch
// names and sub-indices, e.g. "m.0.cv1" or "cv2.1.0") and the tensor role.
type Key struct {
	Stage int
	Scope string
	Role  Role
}

// Path renders the dotted path used by .wts files, e.g. "model.2.m.0.cv1.bn.running_var".
func (k Key) Path() string {
	var b strings.Builder
	b.WriteString(ModelPrefix)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(k.Stage))
	if k.Scope != "" {
		b.WriteByte('.')
		b.WriteString(k.Scope)
	}
	b.WriteByte('.')
	b.WriteString(k.Role.String())
	return b.String()
}

func (k Key) String() string { return k.Path() }

// Prefix is a layer position without a role; blocks derive their keys from it.
type Prefix struct {
	Stage int
	Scope string
}

// Stage returns the prefix of a whole stage, e.g. "model.9".
func Stage(stage int) Prefix { return Prefix{Stage: stage} }

// Child appends scope elements, e.g. Stage(2).Child("m", 0) is "model.2.m.0".
func (p Prefix) Child(parts ...any) Prefix {
	elems := make([]string, 0, len(parts)+1)
	if p.Scope != "" {
		elems = append(elems, p.Scope)
	}
	for _, part := range parts {
		elems = append(elems, fmt.Sprint(part))
	}
	return Prefix{Stage: p.Stage, Scope: strings.Join(elems, ".")}
}

// Key attaches a role.
func (p Prefix) Key(role Role) Key {
	return Key{Stage: p.Stage, Scope: p.Scope, Role: role}
}

func (p Prefix) String() string {
	if p.Scope == "" {
		return ModelPrefix + "." + strconv.Itoa(p.Stage)
	}
	return ModelPrefix + "." + strconv.Itoa(p.Stage) + "." + p.Scope
}

// ParseKey is the inverse of Key.Path.
func ParseKey(path string) (Key, error) {
	rest, ok := strings.CutPrefix(path, ModelPrefix+".")
	if !ok {
		return Key{}, fmt.Errorf("weight path %q does not start with %q", path, ModelPrefix+".")
	}
	stageStr, rest, _ := strings.Cut(rest, ".")
	stage, err := strconv.Atoi(stageStr)
	if err != nil {
		return Key{}, fmt.Errorf("weight path %q has no stage index: %w", path, err)
	}
	// Longest role suffix wins, "bn.weight" before "weight".
	best := -1
	for i, role := range roleStrings {
		if (rest == role || strings.HasSuffix(rest, "."+role)) && (best < 0 || len(role) > len(roleStrings[best])) {
			best = i
		}
	}
	if best < 0 {
		return Key{}, fmt.Errorf("weight path %q has no known tensor role", path)
	}
	scope := strings.TrimSuffix(strings.TrimSuffix(rest, roleStrings[best]), ".")
	return Key{Stage: stage, Scope: scope, Role: Role(best)}, nil
}
