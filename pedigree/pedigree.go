// Package pedigree parses the breeding pedigree that drives the pipeline.
//
// A pedigree file has one whitespace-separated line per read file:
//
//	ID  GEN  READS  P4  P5
//
// For parents (GEN 0), P4 and P5 are the lower and upper single-copy coverage
// bounds, or NA NA when no linkage map should be built for the parent. For
// progeny (GEN 1 or 2), P4 is the male parent and P5 the female parent. An
// individual may span several lines, one per read file.
package pedigree

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Generation tags an individual as a parent (F0) or a progeny generation.
type Generation int

const (
	// F0 marks a parent.
	F0 Generation = iota
	// F1 marks first-generation progeny.
	F1
	// F2 marks second-generation progeny.
	F2
)

// Progeny lists the progeny generations in pipeline order.
var Progeny = []Generation{F1, F2}

func (g Generation) String() string { return "F" + strconv.Itoa(int(g)) }

// Sex of a parent, derived from the column it occupies in progeny lines.
type Sex int

const (
	UnknownSex Sex = iota
	Male
	Female
)

func (s Sex) String() string {
	switch s {
	case Male:
		return "male"
	case Female:
		return "female"
	}
	return "unknown"
}

// Individual is one sequenced individual.
type Individual struct {
	ID    string
	Gen   Generation
	Reads []string
	// Male and Female name the parents of a progeny individual.
	Male, Female string
}

// Parent is an F0 individual with its coverage band and mates.
type Parent struct {
	*Individual
	// Mapped is true when a coverage band was given, i.e., markers and a
	// linkage map should be built for this parent.
	Mapped bool
	Lo, Up int
	Sex    Sex
	// CoParents are the parents this one was crossed to, sorted.
	CoParents []string
}

// CoParentKey renders the co-parent set as it appears in artifact names.
func (p *Parent) CoParentKey() string { return strings.Join(p.CoParents, "_") }

// Cross is one mating with its progeny, sorted by id.
type Cross struct {
	Male, Female string
	Gen          Generation
	Progeny      []string
}

// Pedigree is a validated pedigree.
type Pedigree struct {
	individuals map[string]*Individual
	ids         []string // in order of first appearance
	parents     []*Parent
	parentByID  map[string]*Parent
	crosses     []Cross
}

const na = "NA"

func invalidf(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// Read parses the pedigree file at path.
func Read(ctx context.Context, path string) (ped *Pedigree, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "pedigree:", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return Parse(in.Reader(ctx))
}

type bounds struct {
	mapped bool
	lo, up int
}

func parseBounds(lo, up string, line int) (bounds, error) {
	if lo == na && up == na {
		return bounds{}, nil
	}
	if lo == na || up == na {
		return bounds{}, invalidf("line %d: both coverage bounds must be NA or numeric, got %s %s", line, lo, up)
	}
	l, err := strconv.Atoi(lo)
	if err != nil {
		return bounds{}, invalidf("line %d: bad lower bound %q", line, lo)
	}
	u, err := strconv.Atoi(up)
	if err != nil {
		return bounds{}, invalidf("line %d: bad upper bound %q", line, up)
	}
	if l < 1 || l > u {
		return bounds{}, invalidf("line %d: coverage band [%d,%d] is empty or below 1", line, l, u)
	}
	return bounds{mapped: true, lo: l, up: u}, nil
}

// Parse reads and validates a pedigree.
func Parse(r io.Reader) (*Pedigree, error) {
	p := &Pedigree{
		individuals: map[string]*Individual{},
		parentByID:  map[string]*Parent{},
	}
	parentBounds := map[string]bounds{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		col := strings.Fields(line)
		if len(col) != 5 {
			return nil, invalidf("line %d: want 5 columns (ID GEN READS P4 P5), got %d", lineNo, len(col))
		}
		gen, err := strconv.Atoi(col[1])
		if err != nil || gen < int(F0) || gen > int(F2) {
			return nil, invalidf("line %d: generation %q is not 0, 1 or 2", lineNo, col[1])
		}
		id := col[0]
		ind, ok := p.individuals[id]
		if !ok {
			ind = &Individual{ID: id, Gen: Generation(gen)}
			p.individuals[id] = ind
			p.ids = append(p.ids, id)
		} else if ind.Gen != Generation(gen) {
			return nil, invalidf("line %d: %s is listed in generations %v and %v", lineNo, id, ind.Gen, Generation(gen))
		}
		ind.Reads = append(ind.Reads, col[2])
		if ind.Gen == F0 {
			b, err := parseBounds(col[3], col[4], lineNo)
			if err != nil {
				return nil, err
			}
			if prev, ok := parentBounds[id]; ok && prev != b {
				return nil, invalidf("line %d: conflicting coverage bounds for %s", lineNo, id)
			}
			parentBounds[id] = b
			continue
		}
		if col[3] == col[4] {
			return nil, invalidf("line %d: %s has identical parents %s", lineNo, id, col[3])
		}
		if ind.Male != "" && (ind.Male != col[3] || ind.Female != col[4]) {
			return nil, invalidf("line %d: conflicting parents for %s", lineNo, id)
		}
		ind.Male, ind.Female = col[3], col[4]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := p.link(parentBounds); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pedigree) link(parentBounds map[string]bounds) error {
	for _, id := range p.ids {
		ind := p.individuals[id]
		if ind.Gen != F0 {
			continue
		}
		b := parentBounds[id]
		par := &Parent{Individual: ind, Mapped: b.mapped, Lo: b.lo, Up: b.up}
		p.parents = append(p.parents, par)
		p.parentByID[id] = par
	}
	if len(p.parents) < 2 {
		return invalidf("%d parents found; at least two are required", len(p.parents))
	}
	crosses := map[[2]string]*Cross{}
	var keys [][2]string
	coParents := map[string]map[string]bool{}
	gens := map[Generation]bool{}
	for _, id := range p.ids {
		ind := p.individuals[id]
		if ind.Gen == F0 {
			continue
		}
		gens[ind.Gen] = true
		male, ok := p.parentByID[ind.Male]
		if !ok {
			return invalidf("%s: male parent %s is not a listed parent", id, ind.Male)
		}
		female, ok := p.parentByID[ind.Female]
		if !ok {
			return invalidf("%s: female parent %s is not a listed parent", id, ind.Female)
		}
		if male.Sex == Female || female.Sex == Male {
			return invalidf("%s: parents %s and %s are used as both male and female", id, ind.Male, ind.Female)
		}
		male.Sex, female.Sex = Male, Female
		for _, pair := range [][2]string{{ind.Male, ind.Female}, {ind.Female, ind.Male}} {
			if coParents[pair[0]] == nil {
				coParents[pair[0]] = map[string]bool{}
			}
			coParents[pair[0]][pair[1]] = true
		}
		key := [2]string{ind.Male, ind.Female}
		c, ok := crosses[key]
		if !ok {
			c = &Cross{Male: ind.Male, Female: ind.Female, Gen: ind.Gen}
			crosses[key] = c
			keys = append(keys, key)
		} else if c.Gen != ind.Gen {
			return invalidf("cross %s x %s has progeny in both %v and %v", ind.Male, ind.Female, c.Gen, ind.Gen)
		}
		c.Progeny = append(c.Progeny, id)
	}
	if len(gens) == 0 {
		return invalidf("no F1 or F2 progeny found")
	}
	if len(gens) > 1 {
		return invalidf("both F1 and F2 progeny found; run each population separately")
	}
	for _, key := range keys {
		c := crosses[key]
		sort.Strings(c.Progeny)
		p.crosses = append(p.crosses, *c)
	}
	mapped := 0
	for _, par := range p.parents {
		for co := range coParents[par.ID] {
			par.CoParents = append(par.CoParents, co)
		}
		sort.Strings(par.CoParents)
		if par.Mapped {
			mapped++
		}
	}
	if mapped == 0 {
		return invalidf("no parent has a coverage band; nothing to map")
	}
	return nil
}

// Individual returns the individual with the given id.
func (p *Pedigree) Individual(id string) (*Individual, bool) {
	ind, ok := p.individuals[id]
	return ind, ok
}

// IDs lists every individual in order of first appearance.
func (p *Pedigree) IDs() []string { return p.ids }

// Parents lists all parents in order of first appearance.
func (p *Pedigree) Parents() []*Parent { return p.parents }

// Parent returns the parent with the given id.
func (p *Pedigree) Parent(id string) (*Parent, bool) {
	par, ok := p.parentByID[id]
	return par, ok
}

// Mapped lists the parents that have a coverage band.
func (p *Pedigree) Mapped() []*Parent {
	var r []*Parent
	for _, par := range p.parents {
		if par.Mapped {
			r = append(r, par)
		}
	}
	return r
}

// Crosses lists the crosses in order of first appearance.
func (p *Pedigree) Crosses() []Cross { return p.crosses }

// Generation returns the progeny generation of the pedigree. Parse guarantees
// there is exactly one.
func (p *Pedigree) Generation() Generation { return p.crosses[0].Gen }

// ProgenyOf lists, sorted, the progeny of parent in generation gen.
func (p *Pedigree) ProgenyOf(parent string, gen Generation) []string {
	var r []string
	for _, c := range p.crosses {
		if c.Gen == gen && (c.Male == parent || c.Female == parent) {
			r = append(r, c.Progeny...)
		}
	}
	sort.Strings(r)
	return r
}

// ProgenyIn lists, sorted, every progeny individual of generation gen.
func (p *Pedigree) ProgenyIn(gen Generation) []string {
	var r []string
	for _, id := range p.ids {
		if p.individuals[id].Gen == gen {
			r = append(r, id)
		}
	}
	sort.Strings(r)
	return r
}
