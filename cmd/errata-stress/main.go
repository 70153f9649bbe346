// errata-stress soaks the facts engine with a randomized concurrent
// workload: a mutator batching writes of a grid of inputs while readers
// continuously fetch derived queries layered over them, verifying that no
// read is ever torn and that the quiesced result matches a from-scratch
// recomputation.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"go.errata.dev/core/facts"
	"go.errata.dev/core/factstest"
	mbp "go.errata.dev/core/mainboilerplate"
	"go.errata.dev/core/metrics"
	"go.errata.dev/core/task"
)

const iniFilename = "errata-stress.ini"

// Config is the top-level configuration object of errata-stress.
var Config = new(struct {
	Stress struct {
		Workload string `long:"workload" env:"WORKLOAD" description:"Path of a YAML workload file. If empty, defaults are used"`
		Seed     int64  `long:"seed" env:"SEED" default:"0" description:"Seed of the randomized workload. If zero, the current time is used"`
	} `group:"Stress" namespace:"stress" env-namespace:"STRESS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// workload shapes the soak: a ring of |Inputs| integer cells, |Layers| of
// derived queries folding adjacent cells, and a root query summing the top
// layer. Readers fetch the root while the mutator applies batched writes.
type workload struct {
	Inputs   int `yaml:"inputs"`
	Layers   int `yaml:"layers"`
	Readers  int `yaml:"readers"`
	Writes   int `yaml:"writes"`
	Batch    int `yaml:"batch"`
	Capacity int `yaml:"capacity"`
}

func defaultWorkload() workload {
	return workload{
		Inputs:   32,
		Layers:   4,
		Readers:  8,
		Writes:   5000,
		Batch:    4,
		Capacity: 0,
	}
}

func loadWorkload(path string) (workload, error) {
	var w = defaultWorkload()
	if path == "" {
		return w, nil
	}
	var data, err = os.ReadFile(path)
	if err != nil {
		return w, errors.WithMessagef(err, "reading workload %s", path)
	}
	if err = yaml.UnmarshalStrict(data, &w); err != nil {
		return w, errors.WithMessagef(err, "parsing workload %s", path)
	}
	if w.Inputs < 1 || w.Layers < 1 || w.Readers < 1 || w.Writes < 1 || w.Batch < 1 {
		return w, errors.New("workload dimensions must be positive")
	}
	return w, nil
}

// grid is the soaked query structure.
type grid struct {
	rt     *facts.Runtime
	w      workload
	cells  *facts.Input[int, int64]
	layers []*facts.Derived[int, int64]
	root   *facts.Derived[string, int64]
}

func newGrid(rt *facts.Runtime, w workload) *grid {
	var g = &grid{
		rt: rt,
		w:  w,
		cells: facts.NewInput[int, int64](rt, "cells", facts.InputSpec[int64]{
			Default: func() int64 { return 0 },
		}),
	}
	for l := 0; l != w.Layers; l++ {
		var prev = l - 1
		g.layers = append(g.layers, facts.NewDerived(rt, fmt.Sprintf("layer-%d", l),
			facts.DerivedSpec[int, int64]{
				Capacity: w.Capacity,
				Compute: func(ctx context.Context, key int) (int64, error) {
					var a, b int64
					var err error
					if prev < 0 {
						if a, err = g.cells.Fetch(ctx, key); err != nil {
							return 0, err
						}
						b, err = g.cells.Fetch(ctx, (key+1)%w.Inputs)
					} else {
						if a, err = g.layers[prev].Fetch(ctx, key); err != nil {
							return 0, err
						}
						b, err = g.layers[prev].Fetch(ctx, (key+1)%w.Inputs)
					}
					return a + b, err
				},
			}))
	}
	g.root = facts.NewDerived(rt, "root", facts.DerivedSpec[string, int64]{
		Compute: func(ctx context.Context, _ string) (int64, error) {
			var total int64
			for i := 0; i != w.Inputs; i++ {
				var v, err = g.layers[w.Layers-1].Fetch(ctx, i)
				if err != nil {
					return 0, err
				}
				total += v
			}
			return total, nil
		},
	})
	return g
}

// expectedRoot recomputes the root from scratch over |values|.
func (g *grid) expectedRoot(values []int64) int64 {
	var layer = append([]int64{}, values...)
	for l := 0; l != g.w.Layers; l++ {
		var next = make([]int64, g.w.Inputs)
		for i := range next {
			next[i] = layer[i] + layer[(i+1)%g.w.Inputs]
		}
		layer = next
	}
	var total int64
	for _, v := range layer {
		total += v
	}
	return total
}

type runStress struct{}

func (runStress) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	mbp.InitDiagnostics(Config.Diagnostics)
	prometheus.MustRegister(metrics.EngineCollectors()...)

	var w, err = loadWorkload(Config.Stress.Workload)
	if err != nil {
		return err
	}
	var seed = Config.Stress.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.WithFields(log.Fields{"workload": w, "seed": seed}).Info("starting soak")

	var counters = factstest.NewCounters()
	var rt = facts.NewRuntime(facts.RuntimeSpec{OnEvent: counters.OnEvent})
	var g = newGrid(rt, w)

	// values mirrors the cells for the final from-scratch check. It is
	// owned by the mutator and read only after the group completes.
	var values = make([]int64, w.Inputs)
	var fetches, retries int64

	var group = task.NewGroup(context.Background())

	group.Queue("mutator", func(ctx context.Context) error {
		var rnd = rand.New(rand.NewSource(seed))
		for n := 0; n != w.Writes && ctx.Err() == nil; n++ {
			rt.Write(func(b *facts.Batch) {
				for i := 0; i != w.Batch; i++ {
					var cell, v = rnd.Intn(w.Inputs), rnd.Int63n(1000)
					g.cells.StageSet(b, cell, v)
					values[cell] = v
				}
			})
		}
		group.Cancel() // Writes are exhausted; wind down the readers.
		return nil
	})

	var readerCounts = make([]int64, w.Readers)
	var readerRetries = make([]int64, w.Readers)
	for r := 0; r != w.Readers; r++ {
		var r = r
		group.QueueLoop(fmt.Sprintf("reader-%d", r),
			func(ctx context.Context) error {
				var v, err = g.root.Fetch(ctx, "root")
				if err != nil {
					return err
				}
				// Every cell feeds the root through 2^Layers paths, so any
				// consistent read is even for Layers >= 1.
				if v%2 != 0 {
					return errors.Errorf("torn read of root: %d", v)
				}
				readerCounts[r]++
				return nil
			},
			func(err error) bool {
				// Reads raced by a write are retried at the new revision.
				if facts.IsCanceled(err) || facts.IsPoisoned(err) {
					readerRetries[r]++
					return true
				}
				return false
			})
	}

	group.GoRun()
	if err = group.Wait(); err != nil {
		return err
	}
	for r := 0; r != w.Readers; r++ {
		fetches += readerCounts[r]
		retries += readerRetries[r]
	}

	// Quiesced check: the incremental result must match full recomputation.
	var got int64
	if got, err = g.root.Fetch(context.Background(), "root"); err != nil {
		return errors.WithMessage(err, "quiesced fetch")
	}
	if want := g.expectedRoot(values); got != want {
		return errors.Errorf("quiesced root mismatch: got %d, want %d", got, want)
	}

	log.WithFields(log.Fields{
		"writes":      humanize.Comma(int64(w.Writes)),
		"fetches":     humanize.Comma(fetches),
		"retries":     humanize.Comma(retries),
		"executions":  humanize.Comma(int64(counters.Executions())),
		"validations": humanize.Comma(int64(counters.Of(facts.DidValidate))),
		"backdates":   humanize.Comma(int64(counters.Of(facts.DidBackdate))),
		"evictions":   humanize.Comma(int64(counters.Of(facts.DidEvict))),
	}).Info("soak complete")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.AddCommand("run", "Run the soak workload", `
run applies the configured workload against an in-process facts engine,
verifying read consistency throughout and a from-scratch recomputation of
the final result once quiesced.
`, &runStress{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
