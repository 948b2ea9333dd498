// Command cfgdump prints the basic block graph of smali methods as DOT.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/o2lab/dexslice/pathfinder"
	"github.com/o2lab/dexslice/preprocessor"
	"github.com/o2lab/dexslice/program"
	log "github.com/sirupsen/logrus"
	"os"
)

func main() {
	debug := flag.Bool("debug", false, "Prints debug messages.")
	help := flag.Bool("help", false, "Show all command-line options.")
	class := flag.String("class", "", "Class descriptor, e.g. Lcom/example/Main;")
	method := flag.String("method", "", "Method name; all methods of the class if empty.")
	params := flag.String("params", "", "Parameter descriptors to pick one overload.")
	flag.Parse()
	if *help || flag.NArg() != 1 || *class == "" {
		fmt.Fprintln(os.Stderr, "Usage: cfgdump -class <descriptor> [-method name] [-params desc] <smali dir>")
		flag.PrintDefaults()
		return
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	ctx := context.Background()
	prog, err := program.LoadDir(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	if _, err := preprocessor.NewPreprocessor(prog, nil).Run(ctx); err != nil {
		log.Fatal(err)
	}
	var methods []*program.Method
	if *method != "" {
		methods = prog.FindMethods(*class, *method, *params)
	} else if c := prog.Class(*class); c != nil {
		methods = c.Methods
	}
	if len(methods) == 0 {
		log.Fatalf("no method %s->%s(%s)", *class, *method, *params)
	}
	for _, m := range methods {
		if !m.HasBody() {
			log.Warnf("%s: no block graph: %v", m, m.Err)
			continue
		}
		fmt.Printf("// %s\n%s\n", m, pathfinder.BlockDot(m))
	}
}
