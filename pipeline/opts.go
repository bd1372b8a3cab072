package pipeline

import (
	"flag"
	"fmt"
	"io/ioutil"
	"runtime"
	"strconv"

	"github.com/grailbio/aflap/genotype"
	"github.com/grailbio/aflap/lepmap"
	"github.com/grailbio/aflap/markers"
	"github.com/grailbio/aflap/segregation"
	"github.com/grailbio/base/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Opts configures a pipeline run.
type Opts struct {
	// Dir is the root of the artifact tree.
	Dir string `yaml:"dir" envconfig:"AFLAP_DIR"`
	// K is the k-mer length.
	K       int `yaml:"k" envconfig:"AFLAP_K"`
	Threads int `yaml:"threads" envconfig:"AFLAP_THREADS"`
	// Parallelism is the number of units processed concurrently;
	// 0 means runtime.NumCPU().
	Parallelism int `yaml:"parallelism" envconfig:"AFLAP_PARALLELISM"`
	// KeepGoing lets independent units continue after one fails.
	KeepGoing bool `yaml:"keep_going" envconfig:"AFLAP_KEEP_GOING"`

	// LOD is the low-coverage cutoff for progeny and the initial LepMap3
	// lodLimit.
	LOD int `yaml:"lod" envconfig:"AFLAP_LOD"`
	// LowCov is the minimum count of a present call.
	LowCov          int      `yaml:"low_cov" envconfig:"AFLAP_LOW_COV"`
	SDL             float64  `yaml:"sdl" envconfig:"AFLAP_SDL"`
	SDU             float64  `yaml:"sdu" envconfig:"AFLAP_SDU"`
	DropLowCoverage bool     `yaml:"drop_low_coverage" envconfig:"AFLAP_DROP_LOW_COVERAGE"`
	XXFilter        *float64 `yaml:"xx_filter" envconfig:"AFLAP_XX_FILTER"`
	MaxMarkers      int      `yaml:"max_markers" envconfig:"AFLAP_MAX_MARKERS"`
	Seed            int64    `yaml:"seed" envconfig:"AFLAP_SEED"`
	IdentityOffset  int      `yaml:"identity_offset" envconfig:"AFLAP_IDENTITY_OFFSET"`

	// Index selects the k-mer index: "jellyfish" or "memory".
	Index     string `yaml:"index" envconfig:"AFLAP_INDEX"`
	Jellyfish string `yaml:"jellyfish" envconfig:"AFLAP_JELLYFISH"`
	HashSize  string `yaml:"hash_size" envconfig:"AFLAP_HASH_SIZE"`
	// Assembler selects the assembler: "abyss" or "unitig".
	Assembler string `yaml:"assembler" envconfig:"AFLAP_ASSEMBLER"`
	ABySS     string `yaml:"abyss" envconfig:"AFLAP_ABYSS"`
	// Verify checks artifact checksums on reuse.
	Verify bool `yaml:"verify" envconfig:"AFLAP_VERIFY"`

	Java             string `yaml:"java" envconfig:"AFLAP_JAVA"`
	LepMap           string `yaml:"lepmap" envconfig:"AFLAP_LEPMAP"`
	MinLinkageGroups int    `yaml:"min_linkage_groups" envconfig:"AFLAP_MIN_LINKAGE_GROUPS"`
	MaxLOD           int    `yaml:"max_lod" envconfig:"AFLAP_MAX_LOD"`
}

// DefaultOpts are the default options.
var DefaultOpts = Opts{
	Dir:              "AFLAP_tmp",
	K:                31,
	Threads:          4,
	LOD:              2,
	LowCov:           2,
	SDL:              0.2,
	SDU:              0.8,
	IdentityOffset:   markers.DefaultOpts.IdentityOffset,
	Index:            "jellyfish",
	Jellyfish:        "jellyfish",
	HashSize:         "1000M",
	Assembler:        "abyss",
	ABySS:            "ABYSS",
	Java:             lepmap.DefaultRunner.Java,
	MinLinkageGroups: lepmap.DefaultRunner.MinLinkageGroups,
	MaxLOD:           lepmap.DefaultRunner.MaxLOD,
}

func invalidf(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

// Validate checks o for configuration errors.
func (o *Opts) Validate() error {
	if err := o.markers().Validate(); err != nil {
		return err
	}
	switch {
	case o.Dir == "":
		return invalidf("output directory not set")
	case o.Threads < 1:
		return invalidf("threads=%d must be positive", o.Threads)
	case o.Parallelism < 0:
		return invalidf("parallelism=%d must not be negative", o.Parallelism)
	case o.LOD < 1:
		return invalidf("lod=%d must be positive", o.LOD)
	case o.LowCov < 1:
		return invalidf("low-cov=%d must be positive", o.LowCov)
	case o.SDL < 0 || o.SDU > 1 || o.SDL > o.SDU:
		return invalidf("segregation band [%g, %g] must lie in [0, 1]", o.SDL, o.SDU)
	case o.XXFilter != nil && (*o.XXFilter < 0 || *o.XXFilter > 1):
		return invalidf("xx-filter=%g must lie in [0, 1]", *o.XXFilter)
	case o.MaxMarkers < 0:
		return invalidf("max-markers=%d must not be negative", o.MaxMarkers)
	case o.MinLinkageGroups < 1:
		return invalidf("min-linkage-groups=%d must be positive", o.MinLinkageGroups)
	case o.MaxLOD < o.LOD:
		return invalidf("max-lod=%d is below lod=%d", o.MaxLOD, o.LOD)
	}
	if o.Index != "jellyfish" && o.Index != "memory" {
		return invalidf("unknown k-mer index %q", o.Index)
	}
	if o.Assembler != "abyss" && o.Assembler != "unitig" {
		return invalidf("unknown assembler %q", o.Assembler)
	}
	return nil
}

func (o *Opts) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return runtime.NumCPU()
}

func (o *Opts) markers() markers.Opts {
	return markers.Opts{K: o.K, IdentityOffset: o.IdentityOffset}
}

func (o *Opts) genotype() genotype.Opts {
	return genotype.Opts{K: o.K, Threshold: o.LowCov}
}

func (o *Opts) segregation() segregation.Opts {
	return segregation.Opts{
		K:               o.K,
		LOD:             o.LOD,
		LowCov:          o.LowCov,
		SDL:             o.SDL,
		SDU:             o.SDU,
		DropLowCoverage: o.DropLowCoverage,
		XXFilter:        o.XXFilter,
		MaxMarkers:      o.MaxMarkers,
		Seed:            o.Seed,
	}
}

func (o *Opts) runner() lepmap.Runner {
	r := lepmap.DefaultRunner
	r.Java = o.Java
	r.ClassPath = o.LepMap
	r.Threads = o.Threads
	r.MinLinkageGroups = o.MinLinkageGroups
	r.MaxLOD = o.MaxLOD
	return r
}

// optFloat is a flag.Value for an optional float.
type optFloat struct{ p **float64 }

func (f optFloat) String() string {
	if f.p == nil || *f.p == nil {
		return ""
	}
	return strconv.FormatFloat(**f.p, 'g', -1, 64)
}

func (f optFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f.p = &v
	return nil
}

// RegisterFlags binds the fields of o to flags in fs. The current values of
// o are the flag defaults.
func (o *Opts) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Dir, "dir", o.Dir, "Root directory of the pipeline's artifacts")
	fs.IntVar(&o.K, "k", o.K, "K-mer length")
	fs.IntVar(&o.Threads, "threads", o.Threads, "Threads passed to jellyfish and LepMap3")
	fs.IntVar(&o.Parallelism, "parallelism", o.Parallelism, "Number of parents or progeny processed concurrently; 0 = runtime.NumCPU()")
	fs.BoolVar(&o.KeepGoing, "keep-going", o.KeepGoing, "Continue with independent parents and progeny after a failure")
	fs.IntVar(&o.LOD, "lod", o.LOD, "Coverage below which a progeny is flagged; initial LepMap3 lodLimit")
	fs.IntVar(&o.LowCov, "low-cov", o.LowCov, "Minimum k-mer count of a present call; values other than 2 enable low-coverage mode")
	fs.Float64Var(&o.SDL, "sdl", o.SDL, "Lowest segregation frequency kept")
	fs.Float64Var(&o.SDU, "sdu", o.SDU, "Highest segregation frequency kept")
	fs.BoolVar(&o.DropLowCoverage, "drop-low-coverage", o.DropLowCoverage, "Drop flagged low-coverage progeny from the filtered tables")
	fs.Var(optFloat{&o.XXFilter}, "xx-filter", "Maximum fraction of XX calls of an F2 marker; default is the 0.75 quantile")
	fs.IntVar(&o.MaxMarkers, "max-markers", o.MaxMarkers, "If positive, randomly reduce each filtered table to this many markers")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "Seed of marker reduction")
	fs.IntVar(&o.IdentityOffset, "identity-offset", o.IdentityOffset, "Offset of the marker window in each assembled fragment")
	fs.StringVar(&o.Index, "index", o.Index, "K-mer index: jellyfish or memory")
	fs.StringVar(&o.Jellyfish, "jellyfish", o.Jellyfish, "Jellyfish executable")
	fs.StringVar(&o.HashSize, "hash-size", o.HashSize, "Jellyfish hash size")
	fs.StringVar(&o.Assembler, "assembler", o.Assembler, "Assembler: abyss or unitig")
	fs.StringVar(&o.ABySS, "abyss", o.ABySS, "ABYSS executable")
	fs.BoolVar(&o.Verify, "verify", o.Verify, "Verify artifact checksums before reusing them")
	fs.StringVar(&o.Java, "java", o.Java, "Java executable")
	fs.StringVar(&o.LepMap, "lepmap", o.LepMap, "LepMap3 bin directory")
	fs.IntVar(&o.MinLinkageGroups, "min-linkage-groups", o.MinLinkageGroups, "Linkage groups an F2 map must reach")
	fs.IntVar(&o.MaxLOD, "max-lod", o.MaxLOD, "Highest lodLimit tried")
}

// LoadOpts layers the configuration sources: DefaultOpts, then the YAML file
// at config (if not empty), then AFLAP_* environment variables, then the
// flags of fs that were set explicitly. fs must have been registered with
// RegisterFlags and parsed.
func LoadOpts(config string, fs *flag.FlagSet) (Opts, error) {
	o := DefaultOpts
	if config != "" {
		data, err := ioutil.ReadFile(config)
		if err != nil {
			return o, errors.E(errors.Invalid, err, "reading config", config)
		}
		if err := yaml.Unmarshal(data, &o); err != nil {
			return o, errors.E(errors.Invalid, err, "parsing config", config)
		}
	}
	if err := envconfig.Process("", &o); err != nil {
		return o, errors.E(errors.Invalid, err)
	}
	if fs != nil {
		layer := flag.NewFlagSet("opts", flag.ContinueOnError)
		o.RegisterFlags(layer)
		var err error
		fs.Visit(func(f *flag.Flag) {
			if layer.Lookup(f.Name) == nil || err != nil {
				return
			}
			err = layer.Set(f.Name, f.Value.String())
		})
		if err != nil {
			return o, errors.E(errors.Invalid, err)
		}
	}
	return o, o.Validate()
}
