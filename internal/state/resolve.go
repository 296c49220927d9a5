package state

// Resolve walks a normalized tree and returns the value addressed by p.
// It never mutates and never allocates tree nodes. Wildcard steps do not
// address an existing location and always fail here.
func Resolve(tree any, p Path) (any, error) {
	node := tree
	src := p.String()
	for i, step := range p {
		final := i == len(p)-1
		if step.Wildcard {
			return nil, pathErr(ErrInvalidWildcardUsage, src, "wildcard does not address an existing location")
		}
		switch t := node.(type) {
		case map[string]any:
			if step.IsIndex {
				return nil, pathErr(ErrIndexOutOfRange, src, "integer index into object at step %d", i)
			}
			v, ok := t[step.Key]
			if !ok {
				if final {
					return nil, pathErr(ErrMissingKey, src, "key %q not found", step.Key)
				}
				return nil, pathErr(ErrMissingParent, src, "intermediate key %q not found", step.Key)
			}
			node = v
		case []any:
			if !step.IsIndex {
				return nil, pathErr(ErrMissingParent, src, "key step %q into array at step %d", step.Key, i)
			}
			if step.Index >= len(t) {
				return nil, pathErr(ErrIndexOutOfRange, src, "index %d out of range (len %d)", step.Index, len(t))
			}
			node = t[step.Index]
		default:
			return nil, pathErr(ErrMissingParent, src, "cannot descend into scalar at step %d", i)
		}
	}
	return node, nil
}

// ContainerOp transforms the (already copied) parent container holding the
// final path step and returns its replacement. Implementations must not
// mutate values nested inside the parent in place; they replace slots.
type ContainerOp func(parent any, last Step) (any, error)

// Mutate returns a new tree with op applied at the parent of the final step
// of p. Containers along the spine from the root to that parent are
// shallow-copied (copy-on-write); every untouched subtree is shared with the
// input, which therefore remains valid for rollback and undo.
func Mutate(tree any, p Path, op ContainerOp) (any, error) {
	if len(p) == 0 {
		return nil, pathErr(ErrInvalidSyntax, "", "empty path")
	}
	return mutateRec(tree, p.String(), p, op)
}

func mutateRec(node any, src string, rest Path, op ContainerOp) (any, error) {
	if len(rest) == 1 {
		switch node.(type) {
		case map[string]any, []any:
			return op(shallowCopy(node), rest[0])
		default:
			return nil, pathErr(ErrMissingParent, src, "final step does not address a container")
		}
	}
	step := rest[0]
	switch t := node.(type) {
	case map[string]any:
		if step.IsIndex {
			return nil, pathErr(ErrIndexOutOfRange, src, "integer index into object")
		}
		child, ok := t[step.Key]
		if !ok {
			return nil, pathErr(ErrMissingParent, src, "intermediate key %q not found", step.Key)
		}
		newChild, err := mutateRec(child, src, rest[1:], op)
		if err != nil {
			return nil, err
		}
		cp := shallowCopy(t).(map[string]any)
		cp[step.Key] = newChild
		return cp, nil
	case []any:
		if !step.IsIndex || step.Wildcard {
			return nil, pathErr(ErrMissingParent, src, "key step into array")
		}
		if step.Index >= len(t) {
			return nil, pathErr(ErrIndexOutOfRange, src, "index %d out of range (len %d)", step.Index, len(t))
		}
		newChild, err := mutateRec(t[step.Index], src, rest[1:], op)
		if err != nil {
			return nil, err
		}
		cp := shallowCopy(t).([]any)
		cp[step.Index] = newChild
		return cp, nil
	default:
		return nil, pathErr(ErrMissingParent, src, "cannot descend into scalar")
	}
}

func shallowCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = e
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		copy(cp, t)
		return cp
	default:
		return t
	}
}
