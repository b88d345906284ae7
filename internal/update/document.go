package update

import (
	"fmt"
	"slices"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/keypath"
	"github.com/dnswlt/cbcflow/internal/schema"
)

// ApplyDocument applies an update document to doc and returns the validated
// result. doc itself is never modified.
//
// Objects are merged recursively and scalars are replaced. Arrays of scalars
// are unioned with the update's values; in removal mode the update's values
// are removed instead, and each of them must be present. Elements of entity
// arrays are matched by UID: unknown UIDs are appended, starting from the
// entity defaults, and known ones are updated recursively. In removal mode an
// element given only by its UID is removed as a whole.
func (e *Engine) ApplyDocument(doc, upd map[string]any, removal bool) (map[string]any, error) {
	out := jsonutil.CopyObject(doc)
	if err := e.mergeObject(out, upd, e.Schema.Root, nil, removal); err != nil {
		return nil, err
	}
	if err := e.Schema.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (e *Engine) mergeObject(dst, upd map[string]any, node *schema.Node, p keypath.Path, removal bool) error {
	if node.IsLinkedFile() {
		return e.mergeLinkedFile(dst, upd, p, removal)
	}
	for _, name := range sortedKeys(upd) {
		val := upd[name]
		cp := p.Child(name)
		child, ok := node.Properties[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, cp)
		}
		switch {
		case child.IsEntityArray():
			if err := e.mergeEntities(dst, name, val, p, removal); err != nil {
				return err
			}
		case child.Kind == schema.KindObject:
			sub, ok := val.(map[string]any)
			if !ok {
				return fmt.Errorf("%s: %w: expected an object, got %T", cp, ErrInvalidValue, val)
			}
			m, err := objectField(dst, name)
			if err != nil {
				return fmt.Errorf("%s: %w", cp, err)
			}
			if err := e.mergeObject(m, sub, child, cp, removal); err != nil {
				return err
			}
		case child.IsPrimitiveArray():
			action := keypath.Add
			if removal {
				action = keypath.Remove
			}
			if err := e.applyLeaf(dst, node, child, name, action, val); err != nil {
				return fmt.Errorf("%s: %w", cp, err)
			}
		case child.Kind.IsScalar():
			if removal {
				// UIDs only select elements in removal mode.
				if name == schema.UIDField {
					continue
				}
				return fmt.Errorf("%s: %w: scalar fields cannot be removed", cp, ErrInvalidAction)
			}
			if err := e.applyLeaf(dst, node, child, name, keypath.Set, val); err != nil {
				return fmt.Errorf("%s: %w", cp, err)
			}
		default:
			return fmt.Errorf("%w: %s has unsupported kind %s", ErrUnknownField, cp, child.Kind)
		}
	}
	return nil
}

func (e *Engine) mergeLinkedFile(dst, upd map[string]any, p keypath.Path, removal bool) error {
	if removal {
		return fmt.Errorf("%s: %w: linked files cannot be removed", p, ErrInvalidAction)
	}
	for _, name := range sortedKeys(upd) {
		switch name {
		case "MD5Sum", "DateLastModified":
			return fmt.Errorf("%s: %w: %s", p, ErrDerivedField, name)
		case "Path":
			if err := e.link(dst, upd[name]); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		default:
			dst[name] = jsonutil.Normalize(upd[name])
		}
	}
	return nil
}

func (e *Engine) mergeEntities(dst map[string]any, name string, val any, parent keypath.Path, removal bool) error {
	arrayPath := parent.Child(name)
	items, ok := val.([]any)
	if !ok {
		return fmt.Errorf("%s: %w: expected an array, got %T", arrayPath, ErrInvalidValue, val)
	}
	node, _ := e.Schema.Lookup(arrayPath)
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: %w: expected an object, got %T", arrayPath, ErrInvalidValue, item)
		}
		uid, ok := sub[schema.UIDField].(string)
		if !ok || uid == "" {
			return fmt.Errorf("%w (%s)", ErrMissingUID, arrayPath)
		}
		seg := keypath.Segment{Name: name, UID: uid}
		elPath := parent.Append(seg)
		if removal && len(sub) == 1 {
			arr, _ := dst[name].([]any)
			i, found := FindByUID(arr, uid)
			if !found {
				return fmt.Errorf("%w: no element with UID %q in %s", ErrNoMatch, uid, arrayPath)
			}
			dst[name] = slices.Delete(slices.Clone(arr), i, i+1)
			continue
		}
		el, err := e.element(dst, seg, arrayPath, !removal)
		if err != nil {
			return err
		}
		if err := e.mergeObject(el, sub, node.Items, elPath, removal); err != nil {
			return err
		}
	}
	return nil
}
