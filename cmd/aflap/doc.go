/*
aflap derives parent-specific k-mer markers from the sequencing reads of a
mapping population, genotypes the progeny with them, and prepares and runs
LepMap3 linkage mapping.

The pedigree file lists one read file per line as "ID GEN READS P4 P5". For
parents (GEN 0), P4 and P5 are the lower and upper k-mer coverage bounds of
single-copy sequence, or NA for parents that should not be mapped. For
progeny (GEN 1 or 2), P4 and P5 are the male and female parents.

	aflap run -dir out pedigree.txt

runs every stage. Each stage can also be run on its own (count, extract,
markers, genotype, segstats, export, map); stages reuse the artifacts that
already exist under -dir. "aflap remove pedigree.txt ID" deletes everything
derived from one individual.

Options are read from DefaultOpts, an optional YAML file given by -config,
AFLAP_* environment variables, and command-line flags, in increasing order
of precedence.
*/
package main
