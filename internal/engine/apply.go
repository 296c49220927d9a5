package engine

import (
	"fmt"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// Apply executes one validated delta against the tree and returns the new
// tree plus the effective delta: the input with PreviousValue populated from
// the pre-mutation value (HasPrevious=false for push and set into a fresh
// slot). The input tree is never mutated; unaffected subtrees are shared.
func Apply(tree any, d protocol.Delta) (any, protocol.Delta, error) {
	full, err := deltaPath(d)
	if err != nil {
		return nil, d, err
	}
	value, err := state.Normalize(d.Value)
	if err != nil {
		return nil, d, validationErr(ValidationTypeMismatch, d.ID, "value: %v", err)
	}
	if d.Op == protocol.OpSet || d.Op == protocol.OpPush {
		tree = ensureNPCRoot(tree, d)
	}

	var prev any
	hasPrev := false

	var op state.ContainerOp
	switch d.Op {
	case protocol.OpSet:
		op = func(parent any, last state.Step) (any, error) {
			v, ok, err := getSlot(parent, last, d.Path)
			if err != nil {
				return nil, err
			}
			if ok {
				prev, hasPrev = v, true
			}
			return setSlot(parent, last, value, d.Path)
		}
	case protocol.OpDelete:
		// Array deletion compacts: subsequent indices shift down, so later
		// deltas in the same turn that address indices past the removed one
		// observe the shifted layout.
		op = func(parent any, last state.Step) (any, error) {
			switch c := parent.(type) {
			case map[string]any:
				if last.IsIndex {
					return nil, &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path, Msg: "integer index into object"}
				}
				v, ok := c[last.Key]
				if !ok {
					return nil, &state.PathError{Code: state.ErrMissingKey, Path: d.Path, Msg: "key does not exist"}
				}
				prev, hasPrev = v, true
				delete(c, last.Key)
				return c, nil
			case []any:
				if !last.IsIndex || last.Wildcard {
					return nil, &state.PathError{Code: state.ErrMissingParent, Path: d.Path, Msg: "key step into array"}
				}
				if last.Index >= len(c) {
					return nil, &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path, Msg: "index out of range"}
				}
				prev, hasPrev = c[last.Index], true
				return append(c[:last.Index], c[last.Index+1:]...), nil
			default:
				return nil, &state.PathError{Code: state.ErrMissingParent, Path: d.Path, Msg: "parent is not a container"}
			}
		}
	case protocol.OpPush:
		op = func(parent any, last state.Step) (any, error) {
			if last.Wildcard || last.IsIndex {
				arr, ok := parent.([]any)
				if !ok {
					return nil, validationErr(ValidationTypeMismatch, d.ID, "push target %q is not an array", d.Path)
				}
				if last.Wildcard {
					return append(arr, value), nil
				}
				if last.Index > len(arr) {
					return nil, &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path, Msg: "insert index out of range"}
				}
				return insertAt(arr, last.Index, value), nil
			}
			v, ok, err := getSlot(parent, last, d.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &state.PathError{Code: state.ErrMissingKey, Path: d.Path, Msg: "push target does not exist"}
			}
			arr, isArr := v.([]any)
			if !isArr {
				return nil, validationErr(ValidationTypeMismatch, d.ID, "push target %q is not an array", d.Path)
			}
			return setSlot(parent, last, appendCopy(arr, value), d.Path)
		}
	case protocol.OpPull:
		op = func(parent any, last state.Step) (any, error) {
			v, ok, err := getSlot(parent, last, d.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &state.PathError{Code: state.ErrMissingKey, Path: d.Path, Msg: "pull target does not exist"}
			}
			arr, isArr := v.([]any)
			if !isArr {
				return nil, validationErr(ValidationTypeMismatch, d.ID, "pull target %q is not an array", d.Path)
			}
			for i, e := range arr {
				if state.DeepEqual(e, value) {
					prev, hasPrev = e, true
					return setSlot(parent, last, removeAt(arr, i), d.Path)
				}
			}
			return nil, validationErr(ValidationElementNotFound, d.ID, "no element deep-equal to value in %q", d.Path)
		}
	case protocol.OpIncrement:
		op = func(parent any, last state.Step) (any, error) {
			v, ok, err := getSlot(parent, last, d.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &state.PathError{Code: state.ErrMissingKey, Path: d.Path, Msg: "increment target does not exist"}
			}
			n, isNum := v.(float64)
			if !isNum {
				return nil, validationErr(ValidationTypeMismatch, d.ID, "increment target %q is not a number", d.Path)
			}
			inc, isNum := value.(float64)
			if !isNum {
				return nil, validationErr(ValidationTypeMismatch, d.ID, "increment value is not a number")
			}
			prev, hasPrev = n, true
			return setSlot(parent, last, n+inc, d.Path)
		}
	default:
		return nil, d, validationErr(ValidationTypeMismatch, d.ID, "unknown op %q", d.Op)
	}

	next, err := state.Mutate(tree, full, op)
	if err != nil {
		return nil, d, err
	}

	eff := d
	eff.Value = value
	eff.PreviousValue = prev
	eff.HasPrevious = hasPrev
	return next, eff, nil
}

// ApplyBatch replays an already committed batch without re-validating it.
// Committed deltas were applied once, so a failure here means the log and
// the snapshot disagree.
func ApplyBatch(tree any, batch protocol.TurnDeltas) (any, error) {
	for _, d := range batch.Deltas {
		next, _, err := Apply(tree, d)
		if err != nil {
			return nil, fmt.Errorf("turn %d delta %s: %w", batch.Turn, d.ID, err)
		}
		tree = next
	}
	return tree, nil
}

// getSlot reads the value at the final step of an already copied parent.
func getSlot(parent any, last state.Step, path string) (any, bool, error) {
	switch c := parent.(type) {
	case map[string]any:
		if last.IsIndex {
			return nil, false, &state.PathError{Code: state.ErrIndexOutOfRange, Path: path, Msg: "integer index into object"}
		}
		v, ok := c[last.Key]
		return v, ok, nil
	case []any:
		if !last.IsIndex || last.Wildcard {
			return nil, false, &state.PathError{Code: state.ErrMissingParent, Path: path, Msg: "key step into array"}
		}
		if last.Index >= len(c) {
			return nil, false, &state.PathError{Code: state.ErrIndexOutOfRange, Path: path, Msg: "index out of range"}
		}
		return c[last.Index], true, nil
	default:
		return nil, false, &state.PathError{Code: state.ErrMissingParent, Path: path, Msg: "parent is not a container"}
	}
}

// setSlot writes v into the final step slot of an already copied parent.
func setSlot(parent any, last state.Step, v any, path string) (any, error) {
	switch c := parent.(type) {
	case map[string]any:
		if last.IsIndex {
			return nil, &state.PathError{Code: state.ErrIndexOutOfRange, Path: path, Msg: "integer index into object"}
		}
		c[last.Key] = v
		return c, nil
	case []any:
		if !last.IsIndex || last.Wildcard {
			return nil, &state.PathError{Code: state.ErrMissingParent, Path: path, Msg: "key step into array"}
		}
		if last.Index >= len(c) {
			return nil, &state.PathError{Code: state.ErrIndexOutOfRange, Path: path, Msg: "index out of range"}
		}
		c[last.Index] = v
		return c, nil
	default:
		return nil, &state.PathError{Code: state.ErrMissingParent, Path: path, Msg: "parent is not a container"}
	}
}

func appendCopy(arr []any, v any) []any {
	out := make([]any, len(arr)+1)
	copy(out, arr)
	out[len(arr)] = v
	return out
}

func insertAt(arr []any, i int, v any) []any {
	out := make([]any, len(arr)+1)
	copy(out, arr[:i])
	out[i] = v
	copy(out[i+1:], arr[i:])
	return out
}

func removeAt(arr []any, i int) []any {
	out := make([]any, 0, len(arr)-1)
	out = append(out, arr[:i]...)
	return append(out, arr[i+1:]...)
}
