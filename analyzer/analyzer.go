package analyzer

import (
	"context"
	"fmt"
	"github.com/o2lab/dexslice/config"
	"github.com/o2lab/dexslice/preprocessor"
	"github.com/o2lab/dexslice/program"
	"github.com/o2lab/dexslice/slicer"
	"github.com/o2lab/dexslice/stats"
	"github.com/o2lab/dexslice/summary"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type AnalyzerConfig struct {
	Paths   []string
	Config  *config.Config
	program *program.Program
	index   *summary.Index
	// decls maps field declaration lines to their class.
	decls map[*program.CodeLine]*program.Class
}

// Result holds one RuleResult per configured rule, backward rules first.
type Result struct {
	Program *program.Program
	Index   *summary.Index
	Rules   []*RuleResult
}

type RuleResult struct {
	Name      string
	Backward  bool
	Criterion *slicer.Criterion
	Findings  []*Finding
}

// Finding is a literal constant that matched an insecure expression of
// its rule.
type Finding struct {
	Rule     string
	Constant *slicer.Constant
	// File and Line locate the constant in the smali sources.
	File string
	Line int
	// Trace leads from the constant to the seed site.
	Trace []*program.CodeLine
}

func (f *Finding) String() string {
	return fmt.Sprintf("%s: %s %q", f.Rule, f.Constant.Kind, f.Constant.Value)
}

// Findings returns the findings of all rules.
func (r *Result) Findings() []*Finding {
	var all []*Finding
	for _, rr := range r.Rules {
		all = append(all, rr.Findings...)
	}
	return all
}

func NewAnalyzerConfig(paths []string, cfg *config.Config) *AnalyzerConfig {
	if cfg == nil {
		cfg = config.Default()
	}
	return &AnalyzerConfig{
		Paths:  paths,
		Config: cfg,
		decls:  make(map[*program.CodeLine]*program.Class),
	}
}

// Run loads the smali sources, summarizes them and evaluates every rule.
// Errors of individual seeds are logged and kept in the criteria; only
// loading failures and cancellation stop the run.
func (a *AnalyzerConfig) Run(ctx context.Context) (*Result, error) {
	if err := a.Config.Validate(); err != nil {
		return nil, err
	}
	files, err := smaliFiles(a.Paths)
	if err != nil {
		return nil, err
	}
	log.Infof("Loading %d smali files from %s", len(files), a.Paths)
	a.program, err = program.LoadFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	for _, c := range a.program.Classes {
		for _, f := range c.Fields {
			if f.Decl != nil {
				a.decls[f.Decl] = c
			}
		}
	}

	a.index, err = preprocessor.NewPreprocessor(a.program, a.Config.ExcludePkgs).Run(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Program: a.program, Index: a.index}
	s := slicer.NewSlicer(a.index, a.Config.Options())
	for i := range a.Config.Backward {
		rule := &a.Config.Backward[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Infof("Rule %s", rule.Name)
		cr := s.Backward(rule.Pattern())
		rr := &RuleResult{Name: rule.Name, Backward: true, Criterion: cr}
		a.collectFindings(rule, rr)
		a.logCriterion(rr)
		res.Rules = append(res.Rules, rr)
	}
	for i := range a.Config.Forward {
		rule := &a.Config.Forward[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Infof("Rule %s", rule.Name)
		rr := &RuleResult{Name: rule.Name, Criterion: s.Forward(rule.Pattern())}
		a.logCriterion(rr)
		res.Rules = append(res.Rules, rr)
	}
	log.Infof("Found %d finding(s)", len(res.Findings()))
	if stats.CollectStats {
		stats.ShowStats()
	}
	return res, nil
}

func (a *AnalyzerConfig) collectFindings(rule *config.BackwardRule, rr *RuleResult) {
	cr := rr.Criterion
	for _, id := range cr.SearchIDs() {
		tree := cr.Trees[id]
		for _, c := range cr.Constants[id] {
			if !c.Kind.IsLiteral() || !rule.IsInsecure(c.Value) {
				continue
			}
			file, line := a.Position(c.Line)
			rr.Findings = append(rr.Findings, &Finding{
				Rule:     rule.Name,
				Constant: c,
				File:     file,
				Line:     line,
				Trace:    trace(tree, c.Node),
			})
		}
	}
	sort.SliceStable(rr.Findings, func(i, j int) bool {
		if rr.Findings[i].File != rr.Findings[j].File {
			return rr.Findings[i].File < rr.Findings[j].File
		}
		return rr.Findings[i].Line < rr.Findings[j].Line
	})
}

func (a *AnalyzerConfig) logCriterion(rr *RuleResult) {
	cr := rr.Criterion
	log.Debugf("%s: %d searches, %d constants", cr.Pattern, len(cr.SearchIDs()), len(cr.AllConstants()))
	if log.IsLevelEnabled(log.DebugLevel) {
		for _, id := range cr.SearchIDs() {
			id := id
			_ = VisitTreePreOrder(cr.Trees[id], func(n *slicer.SliceNode) error {
				log.Debugf("  search %d: %v", id, n)
				return nil
			})
		}
	}
	for _, id := range cr.Aborted() {
		log.Warnf("%s: search %d aborted: %s", rr.Name, id, cr.Outcomes[id].Reason)
	}
	for _, err := range cr.Errors {
		log.Warnf("%s: %v", rr.Name, err)
	}
}

// Position returns the source file and line number of l.
func (a *AnalyzerConfig) Position(l *program.CodeLine) (string, int) {
	if l.Method != nil {
		return l.Method.Class.Path, l.Number
	}
	if c, ok := a.decls[l]; ok {
		return c.Path, l.Number
	}
	return "", l.Number
}

// smaliFiles expands directories to the .smali files below them.
func smaliFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, xerrors.Errorf("input %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && strings.HasSuffix(path, ".smali") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, xerrors.Errorf("walking %s: %w", root, err)
		}
	}
	if len(files) == 0 {
		return nil, xerrors.Errorf("no smali files in %s", paths)
	}
	sort.Strings(files)
	return files, nil
}
