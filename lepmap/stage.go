package lepmap

import (
	"context"

	"github.com/grailbio/aflap/artifact"
)

// Key addresses the LepMap3 input table named name.
func Key(name string, individuals []string) artifact.Key {
	return artifact.Key{
		Dir:         "06",
		Name:        name + ".ForLepMap3.tsv",
		Individuals: individuals,
	}
}

// Export writes t under Key(name, ...) and returns its path. Member ids
// are recorded as the individuals the table derives from.
func Export(ctx context.Context, s *artifact.Store, name string, t *Table) (string, error) {
	inds := make([]string, len(t.Members))
	for i, m := range t.Members {
		inds[i] = m.ID
	}
	return s.Rewrite(ctx, Key(name, inds), t.Write)
}
