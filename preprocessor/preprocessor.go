package preprocessor

import (
	"context"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/stats"
	"github.com/o2lab/dexslice/summary"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"runtime"
	"strings"
)

type Preprocessor struct {
	program     *program.Program
	ExcludedPkg []string
	Workers     int
}

// NewPreprocessor prepares prog for slicing. Classes whose names start
// with one of the excluded prefixes (e.g. "Landroid/support/") are left
// unsummarized and behave like library code.
func NewPreprocessor(prog *program.Program, excluded []string) *Preprocessor {
	return &Preprocessor{
		program:     prog,
		ExcludedPkg: excluded,
		Workers:     runtime.NumCPU(),
	}
}

func (p *Preprocessor) isExcluded(c *program.Class) bool {
	for _, prefix := range p.ExcludedPkg {
		if strings.HasPrefix(c.Name, prefix) {
			return true
		}
	}
	return false
}

// Run builds the block graph of every method and indexes the summaries.
// Methods whose graph cannot be built are logged and left out.
func (p *Preprocessor) Run(ctx context.Context) (*summary.Index, error) {
	log.Debugln("Preprocessing...")
	var methods []*program.Method
	for _, c := range p.program.Classes {
		if p.isExcluded(c) {
			log.Debugf("Exclude class %s", c)
			continue
		}
		stats.IncStat(stats.NClasses)
		methods = append(methods, c.Methods...)
	}

	sem := semaphore.NewWeighted(int64(p.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range methods {
		m := m
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.visitMethod(m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Summaries are indexed sequentially so that index order follows
	// program order.
	index := summary.NewIndex(p.program)
	for _, m := range methods {
		if !m.HasBody() {
			continue
		}
		sum := summary.NewFnSummary(p.program, m)
		sum.Summarize()
		index.Add(sum)
	}
	log.Infof("Preprocessed %d methods, %d analyzable", len(methods), len(index.Summaries()))
	return index, nil
}

func (p *Preprocessor) visitMethod(m *program.Method) {
	stats.IncStat(stats.NMethods)
	if len(m.Lines) == 0 {
		return
	}
	if err := program.BuildBlocks(m); err != nil {
		log.Warnf("Excluding %s: %v", m, err)
		stats.IncStat(stats.NExcludedMethods)
		return
	}
	stats.AddStat(stats.NBlocks, len(m.Blocks))
	if m.HasUnlinkedBlocks {
		log.Debugf("%s has unlinked blocks", m)
		stats.IncStat(stats.NUnlinkedMethods)
	}
}
