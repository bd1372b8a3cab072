package main

import (
	"context"
	"fmt"

	"github.com/grailbio/aflap/pedigree"
	"github.com/grailbio/aflap/pipeline"
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

// newStageCmd creates a command that loads the options and the pedigree
// named by its first argument, then calls run.
func newStageCmd(name, short string, nargs int, run func(ctx context.Context, c *pipeline.Context, argv []string) error) *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     name,
		Short:    short,
		ArgsName: "pedigree",
	}
	if nargs != 1 {
		cmd.ArgsName = "pedigree id..."
	}
	config := cmd.Flags.String("config", "", "YAML file of pipeline options")
	flags := pipeline.DefaultOpts
	flags.RegisterFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if nargs == 1 && len(argv) != 1 {
			return fmt.Errorf("%s takes one pedigree argument, but got %v", name, argv)
		}
		if nargs != 1 && len(argv) < 2 {
			return fmt.Errorf("%s takes a pedigree and at least one id, but got %v", name, argv)
		}
		opts, err := pipeline.LoadOpts(*config, &cmd.Flags)
		if err != nil {
			return err
		}
		ctx := vcontext.Background()
		ped, err := pedigree.Read(ctx, argv[0])
		if err != nil {
			return err
		}
		c, err := pipeline.New(opts, ped)
		if err != nil {
			return err
		}
		return run(ctx, c, argv[1:])
	})
	return cmd
}

func newCmdRun() *cmdline.Command {
	var withMap *bool
	cmd := newStageCmd("run", "Run every stage", 1, func(ctx context.Context, c *pipeline.Context, _ []string) error {
		return c.Run(ctx, *withMap)
	})
	withMap = cmd.Flags.Bool("map", false, "Also run LepMap3 on the exported tables")
	return cmd
}

func newCmdRemove() *cmdline.Command {
	return newStageCmd("remove", "Delete the k-mer index and every artifact derived from the given individuals", 2,
		func(ctx context.Context, c *pipeline.Context, ids []string) error {
			for _, id := range ids {
				removed, err := c.Remove(ctx, id)
				if err != nil {
					return err
				}
				for _, path := range removed {
					fmt.Println(path)
				}
			}
			return nil
		})
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "aflap",
			Short:    "Derive k-mer linkage markers, genotype progeny and build linkage maps",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdRun(),
				newStageCmd("count", "Build the k-mer index of every individual", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error { return c.Count(ctx) }),
				newStageCmd("extract", "Extract the single-copy k-mers of every mapped parent", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error { return c.Extract(ctx) }),
				newStageCmd("markers", "Derive the marker set of every mapped parent", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error { return c.Markers(ctx) }),
				newStageCmd("genotype", "Call the markers of every parent in its progeny", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error { return c.Genotype(ctx) }),
				newStageCmd("segstats", "Analyze coverage and segregation and write the filtered tables", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error { return c.SegStats(ctx) }),
				newStageCmd("export", "Write the LepMap3 input tables", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error {
						paths, err := c.Export(ctx)
						for _, p := range paths {
							fmt.Println(p)
						}
						return err
					}),
				newStageCmd("map", "Run LepMap3 on the exported tables", 1,
					func(ctx context.Context, c *pipeline.Context, _ []string) error {
						results, err := c.Map(ctx)
						for _, r := range results {
							log.Printf("LOD %d: %d markers placed in %d linkage groups", r.LOD, len(r.Positions), len(r.Ordered))
						}
						return err
					}),
				newCmdRemove(),
			},
		})
}
