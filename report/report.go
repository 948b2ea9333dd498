package report

import (
	"bytes"
	"fmt"
	"github.com/logrusorgru/aurora"
	"github.com/o2lab/dexslice/analyzer"
	"github.com/o2lab/dexslice/slicer"
	log "github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"io"
	"regexp"
	"strings"
)

var colorOutput = regexp.MustCompile(`\x1b\[\d+m`)

// Console prints every finding with its trace through logrus and returns
// the printed headlines without colour codes.
func Console(res *analyzer.Result) []string {
	var lines []string
	counter := 0
	for _, rr := range res.Rules {
		for _, f := range rr.Findings {
			counter++
			log.Printf("Finding #%d", counter)
			log.Println(strings.Repeat("=", 100))
			msg := fmt.Sprint(" ", f.Constant.Kind, " ", aurora.Magenta(fmt.Sprintf("%q", f.Constant.Value)),
				" for rule ", aurora.BrightGreen(f.Rule), " at ", f.File, ":", f.Line)
			log.Print(msg)
			lines = append(lines, colorOutput.ReplaceAllString(msg, ""))
			for _, l := range f.Trace {
				log.Printf("\t%v", l)
			}
		}
	}
	for _, rr := range res.Rules {
		if rr.Backward {
			continue
		}
		for _, c := range rr.Criterion.AllConstants() {
			msg := fmt.Sprint(" ", aurora.BrightGreen(rr.Name), " reaches ", aurora.Magenta(c.Value), " at ", c.Line)
			log.Print(msg)
			lines = append(lines, colorOutput.ReplaceAllString(msg, ""))
		}
	}
	log.Infof("Found %d finding(s)", counter)
	return lines
}

// Markdown writes a report with one section per rule.
func Markdown(w io.Writer, res *analyzer.Result) error {
	var b strings.Builder
	b.WriteString("# dexslice report\n\n")
	fmt.Fprintf(&b, "%d classes, %d methods analyzed.\n\n", len(res.Program.Classes), len(res.Index.Summaries()))
	for _, rr := range res.Rules {
		cr := rr.Criterion
		fmt.Fprintf(&b, "## %s\n\n", rr.Name)
		fmt.Fprintf(&b, "Pattern: `%s`\n\n", cr.Pattern)
		fmt.Fprintf(&b, "%d seed(s), %d aborted, %d error(s).\n\n", len(cr.SearchIDs()), len(cr.Aborted()), len(cr.Errors))
		if rr.Backward {
			writeFindings(&b, rr)
		} else {
			writeConstants(&b, cr.AllConstants())
		}
		if len(cr.Errors) > 0 {
			b.WriteString("Errors:\n\n")
			for _, err := range cr.Errors {
				fmt.Fprintf(&b, "- %s\n", escape(err.Error()))
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeFindings(b *strings.Builder, rr *analyzer.RuleResult) {
	if len(rr.Findings) == 0 {
		b.WriteString("No findings.\n\n")
		return
	}
	b.WriteString("| Location | Kind | Value | Fuzzy |\n|---|---|---|---|\n")
	for _, f := range rr.Findings {
		fmt.Fprintf(b, "| %s:%d | %s | `%s` | %d |\n", f.File, f.Line, f.Constant.Kind, cell(f.Constant.Value), f.Constant.Fuzzy)
	}
	b.WriteString("\n")
	for i, f := range rr.Findings {
		fmt.Fprintf(b, "Trace %d:\n\n```\n", i+1)
		for _, l := range f.Trace {
			fmt.Fprintf(b, "%v\n", l)
		}
		b.WriteString("```\n\n")
	}
}

func writeConstants(b *strings.Builder, cs []*slicer.Constant) {
	if len(cs) == 0 {
		b.WriteString("Nothing reached.\n\n")
		return
	}
	b.WriteString("| Search | Kind | Value | Fuzzy | Line |\n|---|---|---|---|---|\n")
	for _, c := range cs {
		fmt.Fprintf(b, "| %d | %s | `%s` | %d | %s |\n", c.SearchID, c.Kind, cell(c.Value), c.Fuzzy, escape(c.Line.String()))
	}
	b.WriteString("\n")
}

func cell(s string) string {
	return strings.NewReplacer("|", "\\|", "`", "'", "\n", " ").Replace(s)
}

func escape(s string) string {
	return strings.NewReplacer("|", "\\|", "<", "&lt;", ">", "&gt;", "\n", " ").Replace(s)
}

// HTML renders the Markdown report as a standalone page.
func HTML(w io.Writer, res *analyzer.Result) error {
	var md bytes.Buffer
	if err := Markdown(&md, res); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := goldmark.New(goldmark.WithExtensions(extension.Table)).Convert(md.Bytes(), &body); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>dexslice report</title></head>\n<body>\n%s</body>\n</html>\n", body.Bytes())
	return err
}
