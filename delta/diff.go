package delta

import "sort"

// Diff computes a delta that transforms oldV into newV. The result is
// empty exactly when the two values are deep-equal. Object changes
// recurse per key; array changes and kind changes replace the whole
// value at the current level.
func Diff(oldV, newV any) Delta {
	if Equal(oldV, newV) {
		return nil
	}
	if isObject(oldV) && isObject(newV) {
		return diffObjects(oldV.(map[string]any), newV.(map[string]any))
	}
	return Delta{{Op: OpReplace, Value: newV}}
}

func diffObjects(oldM, newM map[string]any) Delta {
	var d Delta
	for _, k := range sortedKeys(newM) {
		nv := newM[k]
		ov, inOld := oldM[k]
		if !inOld {
			d = append(d, Entry{Op: OpReplace, Path: []any{k}, Value: nv})
			continue
		}
		if Equal(ov, nv) {
			continue
		}
		if sameContainerKind(ov, nv) {
			sub := Diff(ov, nv)
			if len(sub) == 1 && sub[0].Op == OpReplace && len(sub[0].Path) == 0 {
				d = append(d, Entry{Op: OpReplace, Path: []any{k}, Value: sub[0].Value})
			} else {
				d = append(d, Entry{Op: OpNested, Path: []any{k}, Entries: sub})
			}
			continue
		}
		d = append(d, Entry{Op: OpReplace, Path: []any{k}, Value: nv})
	}
	for _, k := range sortedKeys(oldM) {
		if _, kept := newM[k]; !kept {
			d = append(d, Entry{Op: OpDelete, Path: []any{k}})
		}
	}
	return d
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForPath computes the delta between snapshot and state for a hinted
// subtree, choosing the narrowest diff that is still sound:
//
//  1. an empty path diffs the roots;
//  2. same-kind containers at the path diff in place;
//  3. array parents diff whole (arrays are tail-strict);
//  4. object parents diff a one-key wrapper, which keeps deletion of the
//     key distinct from storing null;
//  5. anything else falls back to a root diff.
func ForPath(snapshot, state any, path []any) Delta {
	if len(path) == 0 {
		return Diff(snapshot, state)
	}
	oldSub, okOld := getAtPath(snapshot, path)
	newSub, okNew := getAtPath(state, path)
	if okOld && okNew && sameContainerKind(oldSub, newSub) {
		return Wrap(path, Diff(oldSub, newSub))
	}
	parent := path[:len(path)-1]
	oldParent, okOP := getAtPath(snapshot, parent)
	newParent, okNP := getAtPath(state, parent)
	if okOP && okNP {
		if isArray(oldParent) && isArray(newParent) {
			return Wrap(parent, Diff(oldParent, newParent))
		}
		if key, isKey := path[len(path)-1].(string); isKey && isObject(oldParent) && isObject(newParent) {
			oldWrap := map[string]any{}
			if okOld {
				oldWrap[key] = oldSub
			}
			newWrap := map[string]any{}
			if okNew {
				newWrap[key] = newSub
			}
			return Wrap(parent, Diff(oldWrap, newWrap))
		}
	}
	return Diff(snapshot, state)
}
