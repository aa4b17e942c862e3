package heap

import (
	"fmt"
	"strings"
)

// PathStep is one hop of a retaining path: the object and the pointer field
// through which the next object is reached. The last step's Field is -1.
type PathStep struct {
	Object Value
	Field  int
}

// RetainingPath finds a shortest chain of pointer fields from root to
// target by breadth-first search. It returns nil if target is unreachable.
func (h *Heap) RetainingPath(root, target Value) []PathStep {
	if root == target {
		return []PathStep{{Object: root, Field: -1}}
	}
	if root.IsSmi() {
		return nil
	}
	type edge struct {
		parent Value
		field  int
	}
	parents := map[Value]edge{root: {}}
	queue := []Value{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		found := false
		base := cur.Address()
		h.VisitPointers(base, func(slot Address) {
			if found {
				return
			}
			child := h.LoadSlot(slot)
			if child.IsSmi() {
				return
			}
			if _, seen := parents[child]; seen {
				return
			}
			parents[child] = edge{parent: cur, field: int(slot-base-HeaderSize) / WordSize}
			if child == target {
				found = true
				return
			}
			queue = append(queue, child)
		})
		if found {
			break
		}
	}
	if _, ok := parents[target]; !ok {
		return nil
	}
	path := []PathStep{{Object: target, Field: -1}}
	for v := target; v != root; {
		e := parents[v]
		path = append(path, PathStep{Object: e.parent, Field: e.field})
		v = e.parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// FormatPath renders a retaining path for diagnostics, for example
// "Array[1] -> Map.data -> Array[3] -> RegExp".
func (h *Heap) FormatPath(path []PathStep) string {
	parts := make([]string, 0, len(path))
	for _, st := range path {
		parts = append(parts, h.describeStep(st))
	}
	return strings.Join(parts, " -> ")
}

func (h *Heap) describeStep(st PathStep) string {
	cid := h.ClassIDOf(st.Object)
	name := cid.String()
	if IsUserCid(cid) {
		name = h.ClassName(cid)
	}
	if st.Field < 0 {
		return name
	}
	switch {
	case cid == ArrayCid || cid == ImmutableArrayCid:
		if st.Field >= arrayFirstElement {
			return fmt.Sprintf("%s[%d]", name, st.Field-arrayFirstElement)
		}
	case cid == GrowableObjectArrayCid && st.Field == growableDataField,
		IsHashCollectionCid(cid) && st.Field == hashDataField:
		return name + ".data"
	case IsTypedDataViewCid(cid) && st.Field == viewTypedDataField:
		return name + ".buffer"
	case cid == ClosureCid && st.Field == closureContextField:
		return name + ".context"
	}
	return fmt.Sprintf("%s.field%d", name, st.Field)
}
