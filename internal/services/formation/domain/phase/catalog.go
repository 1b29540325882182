package phase

import (
	"errors"
	"fmt"
	"slices"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog wraps every catalog validation failure.
var ErrInvalidCatalog = errors.New("invalid phase catalog")

// Definition describes one phase.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Checkpoints []string `yaml:"checkpoints" json:"checkpoints"`
	// Next lists the phases reachable by normal advancement. Omitted means
	// the following declared phase.
	Next []string `yaml:"next,omitempty" json:"next,omitempty"`
	// RegressTo lists the phases reachable by authorized regression. Omitted
	// means every forward ancestor.
	RegressTo []string `yaml:"regress_to,omitempty" json:"regress_to,omitempty"`
}

// Document is the on-disk shape of a catalog.
type Document struct {
	Initial  string       `yaml:"initial,omitempty"`
	Complete string       `yaml:"complete,omitempty"`
	Phases   []Definition `yaml:"phases"`
}

// Catalog is a validated, immutable phase graph.
type Catalog struct {
	phases   []Definition
	index    map[string]int
	initial  string
	complete string
	// ancestors[i] holds every phase that can reach phase i via Next edges.
	ancestors []map[string]bool
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(doc)
}

// NewCatalog normalizes, defaults and validates a catalog document.
func NewCatalog(doc Document) (*Catalog, error) {
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("%w: at least one phase is required", ErrInvalidCatalog)
	}

	c := &Catalog{
		phases: make([]Definition, len(doc.Phases)),
		index:  make(map[string]int, len(doc.Phases)),
	}
	for i, def := range doc.Phases {
		def.ID = event.NormalizeID(def.ID)
		if def.ID == "" {
			return nil, fmt.Errorf("%w: phase %d: id is required", ErrInvalidCatalog, i)
		}
		if _, dup := c.index[def.ID]; dup {
			return nil, fmt.Errorf("%w: phase %q: duplicate id", ErrInvalidCatalog, def.ID)
		}
		if def.Name == "" {
			def.Name = def.ID
		}
		seen := make(map[string]bool, len(def.Checkpoints))
		checkpoints := make([]string, 0, len(def.Checkpoints))
		for _, cp := range def.Checkpoints {
			cp = event.NormalizeID(cp)
			if cp == "" {
				return nil, fmt.Errorf("%w: phase %q: checkpoint id is required", ErrInvalidCatalog, def.ID)
			}
			if seen[cp] {
				return nil, fmt.Errorf("%w: phase %q: duplicate checkpoint %q", ErrInvalidCatalog, def.ID, cp)
			}
			seen[cp] = true
			checkpoints = append(checkpoints, cp)
		}
		def.Checkpoints = checkpoints
		def.Next = normalizeIDs(def.Next)
		def.RegressTo = normalizeIDs(def.RegressTo)
		c.phases[i] = def
		c.index[def.ID] = i
	}

	c.initial = event.NormalizeID(doc.Initial)
	if c.initial == "" {
		c.initial = c.phases[0].ID
	}
	c.complete = event.NormalizeID(doc.Complete)
	if c.complete == "" {
		c.complete = c.phases[len(c.phases)-1].ID
	}
	if _, ok := c.index[c.initial]; !ok {
		return nil, fmt.Errorf("%w: initial phase %q is not declared", ErrInvalidCatalog, c.initial)
	}
	if _, ok := c.index[c.complete]; !ok {
		return nil, fmt.Errorf("%w: complete phase %q is not declared", ErrInvalidCatalog, c.complete)
	}

	if err := c.resolveNext(); err != nil {
		return nil, err
	}
	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	c.computeAncestors()
	if err := c.resolveRegressions(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) resolveNext() error {
	for i := range c.phases {
		def := &c.phases[i]
		if def.ID == c.complete {
			if len(def.Next) > 0 {
				return fmt.Errorf("%w: complete phase %q must not declare next", ErrInvalidCatalog, def.ID)
			}
			continue
		}
		if len(def.Next) == 0 {
			if i+1 >= len(c.phases) {
				return fmt.Errorf("%w: phase %q has no next phase", ErrInvalidCatalog, def.ID)
			}
			def.Next = []string{c.phases[i+1].ID}
		}
		for _, next := range def.Next {
			if _, ok := c.index[next]; !ok {
				return fmt.Errorf("%w: phase %q: next %q is not declared", ErrInvalidCatalog, def.ID, next)
			}
			if next == def.ID {
				return fmt.Errorf("%w: phase %q: next points to itself", ErrInvalidCatalog, def.ID)
			}
		}
	}
	return nil
}

// checkAcyclic walks the forward graph depth first, failing on a back edge.
func (c *Catalog) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(c.phases))
	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		state[i] = visiting
		path = append(path, c.phases[i].ID)
		for _, next := range c.phases[i].Next {
			j := c.index[next]
			switch state[j] {
			case visiting:
				return fmt.Errorf("%w: forward cycle %v -> %s", ErrInvalidCatalog, path, next)
			case unvisited:
				if err := visit(j, path); err != nil {
					return err
				}
			}
		}
		state[i] = done
		return nil
	}
	for i := range c.phases {
		if state[i] == unvisited {
			if err := visit(i, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalog) checkReachable() error {
	seen := map[string]bool{c.initial: true}
	queue := []string{c.initial}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range c.phases[c.index[id]].Next {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, def := range c.phases {
		if !seen[def.ID] {
			return fmt.Errorf("%w: phase %q is unreachable from %q", ErrInvalidCatalog, def.ID, c.initial)
		}
	}
	return nil
}

func (c *Catalog) computeAncestors() {
	c.ancestors = make([]map[string]bool, len(c.phases))
	for i := range c.phases {
		c.ancestors[i] = make(map[string]bool)
	}
	for i, def := range c.phases {
		stack := slices.Clone(def.Next)
		seen := make(map[string]bool)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true
			c.ancestors[c.index[id]][c.phases[i].ID] = true
			stack = append(stack, c.phases[c.index[id]].Next...)
		}
	}
}

func (c *Catalog) resolveRegressions() error {
	for i := range c.phases {
		def := &c.phases[i]
		if len(def.RegressTo) == 0 {
			for _, candidate := range c.phases {
				if c.ancestors[i][candidate.ID] {
					def.RegressTo = append(def.RegressTo, candidate.ID)
				}
			}
			continue
		}
		for _, target := range def.RegressTo {
			if _, ok := c.index[target]; !ok {
				return fmt.Errorf("%w: phase %q: regress_to %q is not declared", ErrInvalidCatalog, def.ID, target)
			}
			if !c.ancestors[i][target] {
				return fmt.Errorf("%w: phase %q: regress_to %q must point backward", ErrInvalidCatalog, def.ID, target)
			}
		}
	}
	return nil
}

// Initial returns the phase entered on a subject's first transition.
func (c *Catalog) Initial() string { return c.initial }

// Complete returns the terminal phase.
func (c *Catalog) Complete() string { return c.complete }

// Phases returns a copy of the resolved phase definitions in declared order.
func (c *Catalog) Phases() []Definition {
	out := make([]Definition, len(c.phases))
	for i, def := range c.phases {
		out[i] = def.clone()
	}
	return out
}

// Phase returns a copy of the definition of id.
func (c *Catalog) Phase(id string) (Definition, bool) {
	def, ok := c.definition(id)
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// definition returns the catalog's own definition; callers must not modify
// its slices.
func (c *Catalog) definition(id string) (Definition, bool) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, false
	}
	return c.phases[i], true
}

func (d Definition) clone() Definition {
	d.Checkpoints = slices.Clone(d.Checkpoints)
	d.Next = slices.Clone(d.Next)
	d.RegressTo = slices.Clone(d.RegressTo)
	return d
}

// HasCheckpoint reports whether checkpoint is required by phase.
func (c *Catalog) HasCheckpoint(phaseID, checkpoint string) bool {
	def, ok := c.definition(phaseID)
	if !ok {
		return false
	}
	return slices.Contains(def.Checkpoints, checkpoint)
}

// IsComplete reports whether id is the terminal phase.
func (c *Catalog) IsComplete(id string) bool { return id == c.complete }

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = event.NormalizeID(id); id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
