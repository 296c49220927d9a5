package engine

import (
	"errors"

	"questforge/internal/protocol"
	"questforge/internal/state"
)

// Validate checks a single delta against the current tree without mutating
// it; it is safe to call speculatively. Checks run in order: path syntax,
// target resolution, operation/type compatibility, pull element existence.
func Validate(tree any, d protocol.Delta) error {
	if !d.Op.IsValid() {
		return validationErr(ValidationTypeMismatch, d.ID, "unknown op %q", d.Op)
	}
	if !d.Source.IsValid() {
		return validationErr(ValidationTypeMismatch, d.ID, "unknown source %q", d.Source)
	}

	full, err := deltaPath(d)
	if err != nil {
		var pe *state.PathError
		if errors.As(err, &pe) {
			return err
		}
		return validationErr(ValidationNotFound, d.ID, "%v", err)
	}
	if full.HasWildcard() && d.Op != protocol.OpPush {
		return &state.PathError{Code: state.ErrInvalidWildcardUsage, Path: d.Path,
			Msg: "wildcard is only valid with push"}
	}

	// Target sub-root resolution. A missing NPC sub-root is tolerated for
	// write ops (set/push create it); every other op needs it to exist.
	if npcRootMissing(tree, d) {
		if d.Op != protocol.OpSet && d.Op != protocol.OpPush {
			return validationErr(ValidationNotFound, d.ID, "target %q does not exist", d.Target)
		}
		tree = ensureNPCRoot(tree, d)
	}

	value, err := state.Normalize(d.Value)
	if err != nil {
		return validationErr(ValidationTypeMismatch, d.ID, "value: %v", err)
	}

	switch d.Op {
	case protocol.OpSet:
		return validateSet(tree, d, full)
	case protocol.OpDelete:
		loc := full
		if _, err := state.Resolve(tree, loc); err != nil {
			var pe *state.PathError
			if errors.As(err, &pe) && pe.Code == state.ErrMissingKey {
				return validationErr(ValidationNotFound, d.ID, "delete target %q does not exist", d.Path)
			}
			return err
		}
		return nil
	case protocol.OpPush:
		return validatePush(tree, d, full)
	case protocol.OpPull:
		loc, err := state.Resolve(tree, full)
		if err != nil {
			return err
		}
		arr, ok := loc.([]any)
		if !ok {
			return validationErr(ValidationTypeMismatch, d.ID, "pull target %q is not an array", d.Path)
		}
		for _, e := range arr {
			if state.DeepEqual(e, value) {
				return nil
			}
		}
		return validationErr(ValidationElementNotFound, d.ID, "no element deep-equal to value in %q", d.Path)
	case protocol.OpIncrement:
		loc, err := state.Resolve(tree, full)
		if err != nil {
			return err
		}
		if _, ok := loc.(float64); !ok {
			return validationErr(ValidationTypeMismatch, d.ID, "increment target %q is not a number", d.Path)
		}
		if _, ok := value.(float64); !ok {
			return validationErr(ValidationTypeMismatch, d.ID, "increment value is not a number")
		}
		return nil
	}
	return nil
}

// validateSet accepts any existing location plus a fresh final key on an
// existing container. Missing intermediate containers are never created.
func validateSet(tree any, d protocol.Delta, full state.Path) error {
	last := full[len(full)-1]
	parent, err := state.Resolve(tree, full[:len(full)-1])
	if err != nil {
		var pe *state.PathError
		if errors.As(err, &pe) && pe.Code == state.ErrMissingKey {
			return &state.PathError{Code: state.ErrMissingParent, Path: d.Path,
				Msg: "parent container does not exist"}
		}
		return err
	}
	switch c := parent.(type) {
	case map[string]any:
		if last.IsIndex {
			return &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path,
				Msg: "integer index into object"}
		}
		return nil
	case []any:
		if !last.IsIndex {
			return &state.PathError{Code: state.ErrMissingParent, Path: d.Path,
				Msg: "key step into array"}
		}
		if last.Index >= len(c) {
			return &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path,
				Msg: "set replaces existing elements only"}
		}
		return nil
	default:
		return &state.PathError{Code: state.ErrMissingParent, Path: d.Path,
			Msg: "parent is not a container"}
	}
}

// validatePush requires the resolved location (or, for wildcard and indexed
// pushes, the parent location) to be an array. Indexed pushes insert before
// the index; the index may equal the length (append position).
func validatePush(tree any, d protocol.Delta, full state.Path) error {
	last := full[len(full)-1]
	if last.Wildcard || last.IsIndex {
		parent, err := state.Resolve(tree, full[:len(full)-1])
		if err != nil {
			return err
		}
		arr, ok := parent.([]any)
		if !ok {
			return validationErr(ValidationTypeMismatch, d.ID, "push target %q is not an array", d.Path)
		}
		if !last.Wildcard && last.Index > len(arr) {
			return &state.PathError{Code: state.ErrIndexOutOfRange, Path: d.Path,
				Msg: "insert index out of range"}
		}
		return nil
	}
	loc, err := state.Resolve(tree, full)
	if err != nil {
		return err
	}
	if _, ok := loc.([]any); !ok {
		return validationErr(ValidationTypeMismatch, d.ID, "push target %q is not an array", d.Path)
	}
	return nil
}
