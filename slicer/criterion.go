package slicer

import "sort"

type Status int

const (
	Completed Status = iota
	Aborted
)

func (s Status) String() string {
	if s == Aborted {
		return "aborted"
	}
	return "completed"
}

// Outcome tells a search that found nothing apart from one that gave up.
type Outcome struct {
	Status Status
	Reason string
}

// Criterion collects the results of one pattern evaluation, keyed by
// search id. There is one search per seed site.
type Criterion struct {
	Pattern   string
	Trees     map[int]*SliceTree
	Constants map[int][]*Constant
	Outcomes  map[int]Outcome
	// Errors are the syntax and logic errors that stopped a seed.
	Errors []error
	nextID int
}

func NewCriterion(pattern string) *Criterion {
	return &Criterion{
		Pattern:   pattern,
		Trees:     make(map[int]*SliceTree),
		Constants: make(map[int][]*Constant),
		Outcomes:  make(map[int]Outcome),
	}
}

func (c *Criterion) newSearchID() int {
	id := c.nextID
	c.nextID++
	return id
}

// SearchIDs returns the ids of all searches in seed order.
func (c *Criterion) SearchIDs() []int {
	ids := make([]int, 0, len(c.Outcomes))
	for id := range c.Outcomes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AllConstants returns the constants of every search, sorted.
func (c *Criterion) AllConstants() []*Constant {
	var all []*Constant
	for _, id := range c.SearchIDs() {
		all = append(all, c.Constants[id]...)
	}
	SortConstants(all)
	return all
}

// Aborted returns the ids of searches that hit a limit or an error.
func (c *Criterion) Aborted() []int {
	var ids []int
	for _, id := range c.SearchIDs() {
		if c.Outcomes[id].Status == Aborted {
			ids = append(ids, id)
		}
	}
	return ids
}
