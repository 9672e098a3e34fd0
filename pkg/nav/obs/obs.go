// Package obs turns sensor messages into typed observations and keeps them
// in a bounded, time-ordered store.
package obs

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the kind of quantity an observation measures.
type Type int

// Observation types.
const (
	TOF Type = iota
	Depth
	Yaw
	X
	Y
	BodyVelX
	BodyVelY
	Tide
	HeadingBias
)

var typeNames = map[Type]string{
	TOF:         "TOF",
	Depth:       "DEPTH",
	Yaw:         "YAW",
	X:           "X",
	Y:           "Y",
	BodyVelX:    "BODY_VEL_X",
	BodyVelY:    "BODY_VEL_Y",
	Tide:        "TIDE",
	HeadingBias: "HEADING_BIAS",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Observation is one scalar measurement.
type Observation struct {
	ID    uint64
	Type  Type
	Time  float64
	Value float64
	Std   float64
	// Channel identifies the replying beacon of a TOF observation.
	Channel int
	Sensor  string
	Source  string

	// Ignore marks an observation rejected by data association.
	Ignore bool
	// Used marks an observation already consumed by an update.
	Used bool
	// Innovation is the last measured-minus-predicted residual.
	Innovation float64
}

func (o *Observation) String() string {
	s := fmt.Sprintf("#%d %s t=%.3f v=%.4f std=%.4f", o.ID, o.Type, o.Time, o.Value, o.Std)
	if o.Type == TOF {
		s += fmt.Sprintf(" ch=%d", o.Channel)
	}
	if o.Ignore {
		s += " rejected"
	}
	return s
}

// Store keeps observations per type, newest first, over a bounded span of
// time.
type Store struct {
	span  float64
	lists map[Type][]*Observation
}

// NewStore creates a store retaining span seconds of data.
func NewStore(span float64) *Store {
	return &Store{span: span, lists: make(map[Type][]*Observation)}
}

// Add inserts observations keeping each per-type list newest first.
func (s *Store) Add(obs ...*Observation) {
	for _, o := range obs {
		l := s.lists[o.Type]
		i := sort.Search(len(l), func(i int) bool { return l[i].Time <= o.Time })
		l = append(l, nil)
		copy(l[i+1:], l[i:])
		l[i] = o
		s.lists[o.Type] = l
	}
}

// Len returns the number of stored observations.
func (s *Store) Len() int {
	n := 0
	for _, l := range s.lists {
		n += len(l)
	}
	return n
}

// Newest returns the most recent observation of type t.
func (s *Store) Newest(t Type) (*Observation, bool) {
	l := s.lists[t]
	if len(l) == 0 {
		return nil, false
	}
	return l[0], true
}

// Window returns every observation with from < Time <= to, oldest first.
// Ties are broken by ID so the result does not depend on map order.
func (s *Store) Window(from, to float64) []*Observation {
	var out []*Observation
	for _, l := range s.lists {
		for _, o := range l {
			if o.Time <= from {
				break
			}
			if o.Time <= to {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Since returns every observation newer than t, oldest first.
func (s *Store) Since(t float64) []*Observation {
	var latest float64
	found := false
	for _, l := range s.lists {
		if len(l) > 0 && (!found || l[0].Time > latest) {
			latest, found = l[0].Time, true
		}
	}
	if !found {
		return nil
	}
	return s.Window(t, latest)
}

// Pending filters obs down to those neither used nor rejected.
func Pending(obs []*Observation) []*Observation {
	var out []*Observation
	for _, o := range obs {
		if !o.Used && !o.Ignore {
			out = append(out, o)
		}
	}
	return out
}

// MarkUsed flags observations as consumed.
func MarkUsed(obs []*Observation) {
	for _, o := range obs {
		o.Used = true
	}
}

// Trim drops observations older than now minus the span and returns how
// many were removed.
func (s *Store) Trim(now float64) int {
	cutoff := now - s.span
	removed := 0
	for t, l := range s.lists {
		i := sort.Search(len(l), func(i int) bool { return l[i].Time < cutoff })
		removed += len(l) - i
		for j := i; j < len(l); j++ {
			l[j] = nil
		}
		s.lists[t] = l[:i]
	}
	return removed
}

// Summary describes the store contents per type, in type order.
func (s *Store) Summary() string {
	types := make([]int, 0, len(s.lists))
	for t := range s.lists {
		types = append(types, int(t))
	}
	sort.Ints(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", Type(t), len(s.lists[Type(t)])))
	}
	return strings.Join(parts, ",")
}
