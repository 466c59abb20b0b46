package tracking

import (
	"sort"

	"courier/internal/types"
)

const (
	MarkerAgent       = "agent"
	MarkerDestination = "destination"
)

type Marker struct {
	ID       string      `json:"id"`
	Position types.Point `json:"position"`
}

type MarkerOpKind string

const (
	MarkerAdded   MarkerOpKind = "marker-added"
	MarkerMoved   MarkerOpKind = "marker-moved"
	MarkerRemoved MarkerOpKind = "marker-removed"
)

type MarkerOp struct {
	Kind   MarkerOpKind `json:"kind"`
	Marker Marker       `json:"marker"`
}

// reconcileMarkers diffs the markers on screen against the desired set and
// returns the operations that bring current in line, ordered by marker id.
// current is updated in place.
func reconcileMarkers(current map[string]Marker, desired []Marker) []MarkerOp {
	want := make(map[string]Marker, len(desired))
	for _, m := range desired {
		want[m.ID] = m
	}

	var ops []MarkerOp
	for id, m := range want {
		prev, ok := current[id]
		switch {
		case !ok:
			ops = append(ops, MarkerOp{Kind: MarkerAdded, Marker: m})
		case prev.Position != m.Position:
			ops = append(ops, MarkerOp{Kind: MarkerMoved, Marker: m})
		default:
			continue
		}
		current[id] = m
	}
	for id, m := range current {
		if _, ok := want[id]; !ok {
			ops = append(ops, MarkerOp{Kind: MarkerRemoved, Marker: m})
			delete(current, id)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Marker.ID < ops[j].Marker.ID })
	return ops
}
