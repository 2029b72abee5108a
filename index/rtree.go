package index

import (
	"github.com/dhconnelly/rtreego"
)

// pointEpsilon gives interned points a tiny extent so that they behave as
// boxes under the R-tree's intersection queries.
const pointEpsilon = 1e-9

// RTree is a StateIndex backed by an R-tree of the given dimension.
type RTree struct {
	dim  int
	tree *rtreego.Rtree
}

type item struct {
	id     int
	bounds rtreego.Rect
}

func (it *item) Bounds() rtreego.Rect {
	return it.bounds
}

// NewRTree creates an empty R-tree index over points of dimension dim.
func NewRTree(dim int) *RTree {
	return &RTree{
		dim:  dim,
		tree: rtreego.NewTree(dim, 25, 50),
	}
}

func (r *RTree) pointRect(coords []float64) rtreego.Rect {
	lengths := make([]float64, r.dim)
	for i := range lengths {
		lengths[i] = pointEpsilon
	}
	rect, err := rtreego.NewRect(rtreego.Point(coords), lengths)
	if err != nil {
		panic("index: invalid point: " + err.Error())
	}
	return rect
}

func (r *RTree) Add(id int, coords []float64) {
	r.tree.Insert(&item{id: id, bounds: r.pointRect(coords)})
}

func (r *RTree) Remove(id int, coords []float64) {
	r.tree.DeleteWithComparator(
		&item{id: id, bounds: r.pointRect(coords)},
		func(obj1, obj2 rtreego.Spatial) bool {
			it1, ok1 := obj1.(*item)
			it2, ok2 := obj2.(*item)
			return ok1 && ok2 && it1.id == it2.id
		})
}

func (r *RTree) BoxQuery(low, high []float64, visit func(id int)) {
	lengths := make([]float64, r.dim)
	for i := range lengths {
		lengths[i] = high[i] - low[i] + pointEpsilon
	}
	rect, err := rtreego.NewRect(rtreego.Point(low), lengths)
	if err != nil {
		panic("index: invalid query box: " + err.Error())
	}
	for _, obj := range r.tree.SearchIntersect(rect) {
		visit(obj.(*item).id)
	}
}
