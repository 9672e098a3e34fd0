// Package state holds the shared estimation state: the state vector Xhat,
// its covariance Phat and the entities owning index ranges within them.
package state

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
)

// EntityType tags what an entity's state block describes.
type EntityType int

// Entity types.
const (
	Vehicle EntityType = iota
	Beacon
	Global
	Trajectory
)

func (t EntityType) String() string {
	switch t {
	case Vehicle:
		return "vehicle"
	case Beacon:
		return "beacon"
	case Global:
		return "global"
	case Trajectory:
		return "trajectory"
	default:
		return fmt.Sprintf("entity(%d)", int(t))
	}
}

// Vehicle block layout.
const (
	IdxX = iota
	IdxY
	IdxZ
	IdxYaw
	IdxVX
	IdxVY
	IdxVZ
	IdxYawRate
	VehicleSize
)

// Global parameter block layout.
const (
	IdxTide = iota
	IdxHeadingBias
	GlobalSize
)

// BeaconSize is the block size of a beacon: its x, y, z position.
const BeaconSize = 3

// Errors returned by State.
var (
	ErrEntityExists  = errors.New("entity already exists")
	ErrNoSuchEntity  = errors.New("no such entity")
	ErrBadEntitySize = errors.New("entity size must be positive")
	ErrBadOrder      = errors.New("order must list every entity exactly once")
)

// Entity owns the index range [Start, Start+Size) of the shared state.
// It never holds a copy of the state itself.
type Entity struct {
	Name  string
	Type  EntityType
	Start int
	Size  int
	// Time is the demotion time of a trajectory slot.
	Time float64
}

// Index returns the absolute state index of the entity's i-th element.
func (e *Entity) Index(i int) int {
	return e.Start + i
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s[%s %d:%d]", e.Name, e.Type, e.Start, e.Start+e.Size)
}

// State is the growable state vector and covariance pair. Phat is square and
// its dimension always equals the length of Xhat.
type State struct {
	Xhat     *matrix.DenseMatrix
	Phat     *matrix.DenseMatrix
	entities []*Entity
}

// New returns an empty state.
func New() *State {
	return &State{
		Xhat: matrix.Zeros(0, 1),
		Phat: matrix.Zeros(0, 0),
	}
}

// Dim returns the state dimension.
func (s *State) Dim() int {
	return s.Xhat.Rows()
}

// Entities returns the entities in state order.
func (s *State) Entities() []*Entity {
	out := make([]*Entity, len(s.entities))
	copy(out, s.entities)
	return out
}

// Entity looks an entity up by name.
func (s *State) Entity(name string) (*Entity, bool) {
	for _, e := range s.entities {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// AddEntity appends a zero-initialised block of the given size. The existing
// Xhat and Phat, cross-covariances included, are embedded unchanged in the
// top-left of the grown matrices.
func (s *State) AddEntity(name string, typ EntityType, size int) (*Entity, error) {
	if size < 1 {
		return nil, ErrBadEntitySize
	}
	if _, ok := s.Entity(name); ok {
		return nil, errors.Wrap(ErrEntityExists, name)
	}
	n := s.Dim()
	s.Xhat = embed(s.Xhat, n+size, 1)
	s.Phat = embed(s.Phat, n+size, n+size)

	e := &Entity{Name: name, Type: typ, Start: n, Size: size}
	s.entities = append(s.entities, e)
	return e, nil
}

// embed copies m into the top-left corner of a rows x cols zero matrix.
func embed(m *matrix.DenseMatrix, rows, cols int) *matrix.DenseMatrix {
	out := matrix.Zeros(rows, cols)
	for i := 0; i < m.Rows() && i < rows; i++ {
		for j := 0; j < m.Cols() && j < cols; j++ {
			out.Set(i, j, m.Get(i, j))
		}
	}
	return out
}

// Init sets an entity's state to x and its covariance to diag(std^2),
// clearing any correlation with the rest of the state.
func (s *State) Init(e *Entity, x, std []float64) {
	n := s.Dim()
	for i := 0; i < e.Size; i++ {
		r := e.Index(i)
		for j := 0; j < n; j++ {
			s.Phat.Set(r, j, 0)
			s.Phat.Set(j, r, 0)
		}
		if i < len(x) {
			s.Xhat.Set(r, 0, x[i])
		}
		if i < len(std) {
			s.Phat.Set(r, r, std[i]*std[i])
		}
	}
}

// Get returns element i of entity e.
func (s *State) Get(e *Entity, i int) float64 {
	return s.Xhat.Get(e.Index(i), 0)
}

// Set writes element i of entity e.
func (s *State) Set(e *Entity, i int, v float64) {
	s.Xhat.Set(e.Index(i), 0, v)
}

// Var returns the variance of element i of entity e.
func (s *State) Var(e *Entity, i int) float64 {
	r := e.Index(i)
	return s.Phat.Get(r, r)
}

// Symmetrize replaces Phat with (Phat + Phat')/2.
func (s *State) Symmetrize() {
	n := s.Dim()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := (s.Phat.Get(i, j) + s.Phat.Get(j, i)) / 2
			s.Phat.Set(i, j, v)
			s.Phat.Set(j, i, v)
		}
	}
}

// Valid reports whether the state is finite and every variance is
// non-negative.
func (s *State) Valid() bool {
	n := s.Dim()
	for i := 0; i < n; i++ {
		x := s.Xhat.Get(i, 0)
		p := s.Phat.Get(i, i)
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return false
		}
	}
	return true
}

// Snapshot is a deep copy of a State used for rollback.
type Snapshot struct {
	xhat     *matrix.DenseMatrix
	phat     *matrix.DenseMatrix
	entities []Entity
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		xhat:     s.Xhat.Copy(),
		phat:     s.Phat.Copy(),
		entities: make([]Entity, len(s.entities)),
	}
	for i, e := range s.entities {
		snap.entities[i] = *e
	}
	return snap
}

// Restore rolls the state back to snap. Entities removed since the snapshot
// are not resurrected; entities present in both get their layout back.
func (s *State) Restore(snap Snapshot) {
	s.Xhat = snap.xhat.Copy()
	s.Phat = snap.phat.Copy()
	ents := make([]*Entity, 0, len(snap.entities))
	for _, saved := range snap.entities {
		e, ok := s.Entity(saved.Name)
		if !ok {
			e = new(Entity)
		}
		*e = saved
		ents = append(ents, e)
	}
	s.entities = ents
}

// Reorder permutes the state so that the entities appear in the given
// order. The permutation matrix T is applied as Xhat = T*Xhat and
// Phat = T*Phat*T'; entity start indices follow.
func (s *State) Reorder(order []*Entity) error {
	if len(order) != len(s.entities) {
		return ErrBadOrder
	}
	seen := make(map[*Entity]bool, len(order))
	for _, e := range order {
		if seen[e] || !s.owns(e) {
			return ErrBadOrder
		}
		seen[e] = true
	}

	n := s.Dim()
	if n == 0 {
		return nil
	}
	t := matrix.Zeros(n, n)
	row := 0
	for _, e := range order {
		for i := 0; i < e.Size; i++ {
			t.Set(row, e.Index(i), 1)
			row++
		}
	}
	s.Xhat = matrix.Product(t, s.Xhat)
	s.Phat = matrix.Product(t, matrix.Product(s.Phat, t.Transpose()))

	start := 0
	for _, e := range order {
		e.Start = start
		start += e.Size
	}
	s.entities = append(s.entities[:0], order...)
	return nil
}

func (s *State) owns(e *Entity) bool {
	for _, o := range s.entities {
		if o == e {
			return true
		}
	}
	return false
}

// Remove drops an entity's block from the state.
func (s *State) Remove(e *Entity) error {
	if !s.owns(e) {
		return ErrNoSuchEntity
	}
	order := make([]*Entity, 0, len(s.entities))
	for _, o := range s.entities {
		if o != e {
			order = append(order, o)
		}
	}
	if err := s.Reorder(append(order, e)); err != nil {
		return err
	}
	n := s.Dim() - e.Size
	s.Xhat = embed(s.Xhat, n, 1)
	s.Phat = embed(s.Phat, n, n)
	s.entities = order
	return nil
}

// Clone appends a new entity whose state and covariance, cross terms
// included, duplicate src.
func (s *State) Clone(src *Entity, name string, typ EntityType) (*Entity, error) {
	if !s.owns(src) {
		return nil, ErrNoSuchEntity
	}
	e, err := s.AddEntity(name, typ, src.Size)
	if err != nil {
		return nil, err
	}
	for i := 0; i < src.Size; i++ {
		si, di := src.Index(i), e.Index(i)
		s.Xhat.Set(di, 0, s.Xhat.Get(si, 0))
		for j := 0; j < e.Start; j++ {
			v := s.Phat.Get(si, j)
			s.Phat.Set(di, j, v)
			s.Phat.Set(j, di, v)
		}
	}
	for i := 0; i < src.Size; i++ {
		for j := 0; j < src.Size; j++ {
			s.Phat.Set(e.Index(i), e.Index(j), s.Phat.Get(src.Index(i), src.Index(j)))
		}
	}
	return e, nil
}

// Shuffle demotes the tracked vehicle's current state into a new trajectory
// slot stamped with time t, placed directly after the tracked block so the
// slots run newest first. When more than depth slots exist the oldest are
// dropped. The tracked entity keeps its identity and index range.
func (s *State) Shuffle(tracked *Entity, name string, t float64, depth int) (*Entity, error) {
	slot, err := s.Clone(tracked, name, Trajectory)
	if err != nil {
		return nil, err
	}
	slot.Time = t

	order := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if e == slot {
			continue
		}
		order = append(order, e)
		if e == tracked {
			order = append(order, slot)
		}
	}
	if err := s.Reorder(order); err != nil {
		return nil, err
	}

	for {
		var slots []*Entity
		for _, e := range s.entities {
			if e.Type == Trajectory {
				slots = append(slots, e)
			}
		}
		if len(slots) <= depth {
			break
		}
		oldest := slots[0]
		for _, e := range slots[1:] {
			if e.Time < oldest.Time {
				oldest = e
			}
		}
		if err := s.Remove(oldest); err != nil {
			return nil, err
		}
	}
	return slot, nil
}
