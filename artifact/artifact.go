// Package artifact implements the pipeline's parameter-keyed artifact cache.
//
// Every expensive stage output is addressed by a Key whose file name embeds
// the full parameter tuple that produced it (individual, k, coverage band,
// co-parent set). Store.Ensure returns an existing non-empty artifact or
// builds it into a temporary file and renames it into place, so a partial
// artifact is never visible under its final name.
//
// Invalidation: there is none automatically. A change of any parameter
// selects a different key, hence a different file. Stale artifacts under an
// unchanged key are removed only by Store.Remove or Store.RemoveIndividual.
// With Verify set, each artifact's seahash recorded at build time is checked
// on reuse and a mismatch forces a rebuild.
package artifact

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"gopkg.in/yaml.v3"
)

// Params is the parameter tuple identifying a parent's derived artifacts.
type Params struct {
	Parent    string
	K         int
	Lo, Up    int
	CoParents string
}

// String renders p as "{parent}_m{k}_L{lo}_U{up}_{coparents}".
func (p Params) String() string {
	return fmt.Sprintf("%s_m%d_L%d_U%d_%s", p.Parent, p.K, p.Lo, p.Up, p.CoParents)
}

// Band renders p without the co-parent set: "{parent}_m{k}_L{lo}_U{up}".
func (p Params) Band() string {
	return fmt.Sprintf("%s_m%d_L%d_U%d", p.Parent, p.K, p.Lo, p.Up)
}

// Key addresses one artifact.
type Key struct {
	// Dir is relative to the store root.
	Dir  string
	Name string
	// Individuals lists the individuals whose data the artifact is derived
	// from. RemoveIndividual deletes every artifact that names an
	// individual.
	Individuals []string
}

// Rel returns the path of k relative to the store root.
func (k Key) Rel() string { return filepath.Join(k.Dir, k.Name) }

type meta struct {
	Individuals []string `yaml:"individuals"`
	Seahash     string   `yaml:"seahash"`
	Size        int64    `yaml:"size"`
}

const metaSuffix = ".meta.yaml"

// Store is a directory of artifacts.
type Store struct {
	Root string
	// Verify enables checksum verification of reused artifacts.
	Verify bool
}

// Path returns the absolute path of k.
func (s *Store) Path(k Key) string { return filepath.Join(s.Root, k.Rel()) }

// Exists reports whether k exists and is non-empty.
func (s *Store) Exists(ctx context.Context, k Key) bool {
	info, err := file.Stat(ctx, s.Path(k))
	return err == nil && info.Size() > 0
}

// Require returns the path of k, or an errors.NotExist error naming the stage
// that produces it.
func (s *Store) Require(ctx context.Context, k Key, stage string) (string, error) {
	if !s.Exists(ctx, k) {
		return "", errors.E(errors.NotExist, fmt.Sprintf("%s not found; rerun the %s stage", s.Path(k), stage))
	}
	return s.Path(k), nil
}

// Ensure returns the path of k, building it first with build when it does
// not exist or is empty. Build must write its output to the path it is given.
// An empty build result is an errors.Invalid error and is not kept. Ensure
// reports whether build ran.
func (s *Store) Ensure(ctx context.Context, k Key, build func(tmpPath string) error) (path string, built bool, err error) {
	path = s.Path(k)
	if s.Valid(ctx, k) {
		log.Debug.Printf("artifact: reusing %s", path)
		return path, false, nil
	}
	if err = s.place(ctx, k, build, false); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// place runs build into a temporary file and renames it to k's path.
func (s *Store) place(ctx context.Context, k Key, build func(tmpPath string) error, allowEmpty bool) error {
	path := s.Path(k)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	os.Remove(tmp) // nolint: errcheck
	if err := build(tmp); err != nil {
		os.Remove(tmp) // nolint: errcheck
		return err
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return errors.E(errors.Integrity, "stage did not produce", path)
	}
	if info.Size() == 0 && !allowEmpty {
		os.Remove(tmp) // nolint: errcheck
		return errors.E(errors.Invalid, fmt.Sprintf("stage produced an empty %s", path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return s.record(k)
}

func (s *Store) record(k Key) error {
	path := s.Path(k)
	sum, size, err := checksum(path)
	if err != nil {
		return err
	}
	return writeMeta(path+metaSuffix, meta{Individuals: k.Individuals, Seahash: sum, Size: size})
}

// Adopt records k, written in place by a collaborator, so that verification
// and RemoveIndividual cover it. k must exist and be non-empty.
func (s *Store) Adopt(ctx context.Context, k Key) error {
	if !s.Exists(ctx, k) {
		return errors.E(errors.Integrity, "collaborator did not produce", s.Path(k))
	}
	return s.record(k)
}

// Valid reports whether k exists, is non-empty and, with Verify set,
// matches its recorded checksum.
func (s *Store) Valid(ctx context.Context, k Key) bool {
	if !s.Exists(ctx, k) {
		return false
	}
	if s.Verify && !s.verify(ctx, s.Path(k)) {
		log.Printf("WARNING: %s does not match its recorded checksum; rebuilding", s.Path(k))
		return false
	}
	return true
}

func (s *Store) verify(ctx context.Context, path string) bool {
	m, err := readMeta(path + metaSuffix)
	if err != nil {
		// Artifacts built by other tools carry no checksum.
		return true
	}
	sum, size, err := checksum(path)
	return err == nil && sum == m.Seahash && size == m.Size
}

// Rewrite replaces k with the output of write. It is used for artifacts
// that depend on settings not encoded in their keys. Unlike Ensure, an empty
// result is kept.
func (s *Store) Rewrite(ctx context.Context, k Key, write func(w io.Writer) error) (string, error) {
	if err := s.Remove(ctx, k); err != nil {
		return "", err
	}
	err := s.place(ctx, k, func(tmp string) (err error) {
		out, err := file.Create(ctx, tmp)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return write(out.Writer(ctx))
	}, true)
	if err != nil {
		return "", err
	}
	return s.Path(k), nil
}

// Remove deletes k and its sidecar.
func (s *Store) Remove(ctx context.Context, k Key) error {
	return removeArtifact(ctx, s.Path(k))
}

func removeArtifact(ctx context.Context, path string) error {
	err := file.Remove(ctx, path)
	if err != nil && !os.IsNotExist(err) && !errors.Is(errors.NotExist, err) {
		return err
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveIndividual deletes every artifact derived from individual id and
// returns the removed paths.
func (s *Store) RemoveIndividual(ctx context.Context, id string) ([]string, error) {
	var removed []string
	lister := file.List(ctx, s.Root, true /*recursive*/)
	var metas []string
	for lister.Scan() {
		if p := lister.Path(); strings.HasSuffix(p, metaSuffix) {
			metas = append(metas, p)
		}
	}
	if err := lister.Err(); err != nil && !os.IsNotExist(err) && !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	for _, mp := range metas {
		m, err := readMeta(mp)
		if err != nil {
			return removed, err
		}
		if !contains(m.Individuals, id) {
			continue
		}
		path := strings.TrimSuffix(mp, metaSuffix)
		if err := removeArtifact(ctx, path); err != nil {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close() // nolint: errcheck
	h := seahash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

func writeMeta(path string, m meta) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

func readMeta(path string) (meta, error) {
	var m meta
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, errors.E(errors.Integrity, err, "artifact metadata", path)
	}
	return m, nil
}
