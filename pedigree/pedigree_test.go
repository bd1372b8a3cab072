package pedigree

import (
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const f1Pedigree = `# id gen reads p4 p5
Dad 0 dad_1.fq.gz 10 40
Dad 0 dad_2.fq.gz 10 40
Mum 0 mum.fq.gz NA NA
Kid3 1 k3.fq Dad Mum
Kid1 1 k1.fq Dad Mum
Kid2 1 k2.fq Dad Mum
`

func TestParseF1(t *testing.T) {
	p, err := Parse(strings.NewReader(f1Pedigree))
	require.NoError(t, err)
	expect.EQ(t, p.IDs(), []string{"Dad", "Mum", "Kid3", "Kid1", "Kid2"})
	require.Equal(t, 2, len(p.Parents()))

	dad, ok := p.Parent("Dad")
	require.True(t, ok)
	expect.True(t, dad.Mapped)
	expect.EQ(t, dad.Lo, 10)
	expect.EQ(t, dad.Up, 40)
	expect.EQ(t, dad.Sex, Male)
	expect.EQ(t, dad.Reads, []string{"dad_1.fq.gz", "dad_2.fq.gz"})
	expect.EQ(t, dad.CoParentKey(), "Mum")

	mum, _ := p.Parent("Mum")
	expect.False(t, mum.Mapped)
	expect.EQ(t, mum.Sex, Female)

	mapped := p.Mapped()
	require.Equal(t, 1, len(mapped))
	expect.EQ(t, mapped[0].ID, "Dad")

	expect.EQ(t, p.Generation(), F1)
	expect.EQ(t, p.ProgenyOf("Dad", F1), []string{"Kid1", "Kid2", "Kid3"})
	expect.EQ(t, len(p.ProgenyOf("Dad", F2)), 0)
	expect.EQ(t, p.ProgenyIn(F1), []string{"Kid1", "Kid2", "Kid3"})
	require.Equal(t, 1, len(p.Crosses()))
	expect.EQ(t, p.Crosses()[0], Cross{Male: "Dad", Female: "Mum", Gen: F1, Progeny: []string{"Kid1", "Kid2", "Kid3"}})
}

func TestCoParents(t *testing.T) {
	p, err := Parse(strings.NewReader(`A 0 a.fq 5 20
B 0 b.fq 5 20
C 0 c.fq 5 20
k1 1 k1.fq A B
k2 1 k2.fq A C
`))
	require.NoError(t, err)
	a, _ := p.Parent("A")
	expect.EQ(t, a.CoParents, []string{"B", "C"})
	expect.EQ(t, a.CoParentKey(), "B_C")
	expect.EQ(t, p.ProgenyOf("A", F1), []string{"k1", "k2"})
	expect.EQ(t, p.ProgenyOf("C", F1), []string{"k2"})
}

func TestInvalid(t *testing.T) {
	for _, test := range []struct {
		name, data string
	}{
		{"columns", "A 0 a.fq 5\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
		{"generation", "A 3 a.fq 5 20\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
		{"multigen", "A 0 a.fq 5 20\nA 1 a.fq A B\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
		{"half-NA", "A 0 a.fq NA 20\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
		{"inverted", "A 0 a.fq 30 20\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
		{"one parent", "A 0 a.fq 5 20\nk 1 k.fq A B\n"},
		{"unknown parent", "A 0 a.fq 5 20\nB 0 b.fq 5 20\nk 1 k.fq A Z\n"},
		{"selfed", "A 0 a.fq 5 20\nB 0 b.fq 5 20\nk 1 k.fq A A\n"},
		{"both sexes", "A 0 a.fq 5 20\nB 0 b.fq 5 20\nk 1 k.fq A B\nj 1 j.fq B A\n"},
		{"no progeny", "A 0 a.fq 5 20\nB 0 b.fq 5 20\n"},
		{"F1 and F2", "A 0 a.fq 5 20\nB 0 b.fq 5 20\nk 1 k.fq A B\nj 2 j.fq A B\n"},
		{"nothing mapped", "A 0 a.fq NA NA\nB 0 b.fq NA NA\nk 1 k.fq A B\n"},
		{"conflicting bounds", "A 0 a.fq 5 20\nA 0 a2.fq 6 20\nB 0 b.fq 5 20\nk 1 k.fq A B\n"},
	} {
		_, err := Parse(strings.NewReader(test.data))
		if assert.Error(t, err, test.name) {
			assert.True(t, errors.Is(errors.Invalid, err), "%s: %v", test.name, err)
		}
	}
}
