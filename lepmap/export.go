// Package lepmap writes genotype tables in the input format of the LepMap3
// linkage mapper and drives its SeparateChromosomes2 and OrderMarkers2
// modules.
package lepmap

import (
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/aflap/segregation"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// Genotype is a LepMap3 genotype.
type Genotype int

const (
	Unknown Genotype = iota
	AA
	AB
	BB
)

var vectors = [...]string{
	Unknown: "1 1 0 0 1 0 0 0 0 0",
	AA:      "1 0 0 0 0 0 0 0 0 0",
	AB:      "0 1 0 0 0 0 0 0 0 0",
	BB:      "0 0 0 0 1 0 0 0 0 0",
}

// Vector returns the ten-value genotype likelihood vector of g.
func (g Genotype) Vector() string { return vectors[g] }

// Member is one column of the LepMap3 pedigree header.
type Member struct {
	ID             string
	Father, Mother string
	// Sex is UnknownSex for progeny.
	Sex pedigree.Sex
}

func sexCode(s pedigree.Sex) string {
	switch s {
	case pedigree.Male:
		return "1"
	case pedigree.Female:
		return "2"
	}
	return "0"
}

// Table is a LepMap3 input table.
type Table struct {
	// Family is written in every column of the family row.
	Family  string
	Members []Member
	// Markers are the marker ids, in row order.
	Markers []string
	// Genotypes[i][j] is the genotype of marker i in member j.
	Genotypes [][]Genotype
}

// Write writes t: six pedigree rows (family, id, father, mother, sex,
// phenotype), each starting with "CHR\tPOS", then one row per marker starting
// with the marker id and its 1-based row index.
func (t *Table) Write(w io.Writer) error {
	tw := tsv.NewWriter(w)
	header := func(val func(m Member) string) error {
		tw.WriteString("CHR")
		tw.WriteString("POS")
		for _, m := range t.Members {
			tw.WriteString(val(m))
		}
		return tw.EndLine()
	}
	parent := func(id string) string {
		if id == "" {
			return "0"
		}
		return id
	}
	for _, val := range []func(m Member) string{
		func(Member) string { return t.Family },
		func(m Member) string { return m.ID },
		func(m Member) string { return parent(m.Father) },
		func(m Member) string { return parent(m.Mother) },
		func(m Member) string { return sexCode(m.Sex) },
		func(Member) string { return "0" },
	} {
		if err := header(val); err != nil {
			return err
		}
	}
	for i, id := range t.Markers {
		tw.WriteString(id)
		tw.WriteString(strconv.Itoa(i + 1))
		for _, g := range t.Genotypes[i] {
			tw.WriteString(g.Vector())
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// progenyMembers returns the pedigree columns of the progeny of f.
func progenyMembers(ped *pedigree.Pedigree, f *segregation.Filtered) ([]Member, error) {
	ms := make([]Member, len(f.Progeny))
	for j, id := range f.Progeny {
		ind, ok := ped.Individual(id)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("progeny %s is not in the pedigree", id))
		}
		ms[j] = Member{ID: id, Father: ind.Male, Mother: ind.Female}
	}
	return ms, nil
}

// F1 builds the table of the first-generation progeny of parent p from its
// filtered table. The mapped parent is AB and its co-parents AA; a progeny is
// AB where the marker is present and AA where it is absent.
func F1(ped *pedigree.Pedigree, p *pedigree.Parent, f *segregation.Filtered) (*Table, error) {
	t := &Table{Family: "F", Markers: f.IDs}
	t.Members = append(t.Members, Member{ID: p.ID, Sex: p.Sex})
	for _, co := range p.CoParents {
		cp, ok := ped.Parent(co)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("co-parent %s of %s is not in the pedigree", co, p.ID))
		}
		t.Members = append(t.Members, Member{ID: co, Sex: cp.Sex})
	}
	nParents := len(t.Members)
	progeny, err := progenyMembers(ped, f)
	if err != nil {
		return nil, err
	}
	t.Members = append(t.Members, progeny...)
	for _, codes := range f.Codes {
		row := make([]Genotype, len(t.Members))
		row[0] = AB
		for j := 1; j < nParents; j++ {
			row[j] = AA
		}
		for j, c := range codes {
			g := AA
			if c != "0" {
				g = AB
			}
			row[nParents+j] = g
		}
		t.Genotypes = append(t.Genotypes, row)
	}
	return t, nil
}

var f2Codes = map[string]Genotype{
	segregation.AA: AA,
	segregation.AB: AB,
	segregation.BB: BB,
	segregation.XX: Unknown,
}

// F2 builds the table of a second-generation cross from its combined
// filtered table. Male parents are AA and female parents BB.
func F2(ped *pedigree.Pedigree, males, females []*pedigree.Parent, f *segregation.Filtered) (*Table, error) {
	t := &Table{Family: "F", Markers: f.IDs}
	var parents []Genotype
	for _, p := range males {
		t.Members = append(t.Members, Member{ID: p.ID, Sex: pedigree.Male})
		parents = append(parents, AA)
	}
	for _, p := range females {
		t.Members = append(t.Members, Member{ID: p.ID, Sex: pedigree.Female})
		parents = append(parents, BB)
	}
	progeny, err := progenyMembers(ped, f)
	if err != nil {
		return nil, err
	}
	t.Members = append(t.Members, progeny...)
	for i, codes := range f.Codes {
		row := append([]Genotype(nil), parents...)
		for _, c := range codes {
			g, ok := f2Codes[c]
			if !ok {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("marker %s: bad F2 genotype %q", f.IDs[i], c))
			}
			row = append(row, g)
		}
		t.Genotypes = append(t.Genotypes, row)
	}
	return t, nil
}
