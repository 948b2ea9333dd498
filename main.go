package main

import (
	"context"
	"github.com/o2lab/dexslice/analyzer"
	"github.com/o2lab/dexslice/config"
	"github.com/o2lab/dexslice/report"
	"github.com/o2lab/dexslice/stats"
	"github.com/o2lab/dexslice/store"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"os"
	"os/signal"
)

func main() {
	app := cli.NewApp()
	app.Name = "dexslice"
	app.Usage = "find hard-coded and weak crypto parameters in disassembled Android apps"
	app.ArgsUsage = "<smali dir or file>..."
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "Prints debug messages."},
		cli.StringFlag{Name: "config", Usage: "YAML config file (default " + config.DefaultFile + " if present)"},
		cli.BoolFlag{Name: "stats", Usage: "Prints analysis counters."},
		cli.StringFlag{Name: "markdown", Usage: "Writes a Markdown report to `FILE`."},
		cli.StringFlag{Name: "html", Usage: "Writes an HTML report to `FILE`."},
		cli.StringFlag{Name: "db", Usage: "Stores the results in the bolt database `FILE`."},
		cli.IntFlag{Name: "max-fuzzy", Value: -1, Usage: "Overrides the fuzzy level ceiling."},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	if c.NArg() == 0 {
		return cli.ShowAppHelp(c)
	}
	stats.CollectStats = c.Bool("stats")

	cfg, err := config.Find(c.String("config"))
	if err != nil {
		return err
	}
	if n := c.Int("max-fuzzy"); n >= 0 {
		cfg.Limits.MaxFuzzy = n
	}

	ctx, stop := interruptible(context.Background())
	defer stop()

	res, err := analyzer.NewAnalyzerConfig(c.Args(), cfg).Run(ctx)
	if err != nil {
		return err
	}
	report.Console(res)

	if path := c.String("markdown"); path != "" {
		if err := writeFile(path, func(f *os.File) error { return report.Markdown(f, res) }); err != nil {
			return err
		}
	}
	if path := c.String("html"); path != "" {
		if err := writeFile(path, func(f *os.File) error { return report.HTML(f, res) }); err != nil {
			return err
		}
	}
	if path := c.String("db"); path != "" {
		db, err := store.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SaveResult(res); err != nil {
			return err
		}
		log.Infof("Results stored in %s", path)
	}
	return nil
}

// interruptible returns a context cancelled on the first interrupt. The
// signal handler is removed once the context is done.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		defer signal.Stop(sig)
		select {
		case <-sig:
			log.Warn("Interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	log.Infof("Report written to %s", path)
	return f.Close()
}
