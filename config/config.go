package config

import (
	"github.com/o2lab/dexslice/slicer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
	"io/ioutil"
	"os"
	"regexp"
)

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "dexslice.yml"

type Config struct {
	// ExcludePkgs are class name prefixes treated as library code.
	ExcludePkgs []string `yaml:"excludePkgs"`
	Limits      Limits   `yaml:"limits"`
	// Whitelist and Redirects are merged into the built-in tables.
	Whitelist map[string][]int    `yaml:"whitelist"`
	Redirects map[string]Redirect `yaml:"redirects"`
	Backward  []BackwardRule      `yaml:"backward"`
	Forward   []ForwardRule       `yaml:"forward"`
}

type Limits struct {
	MaxFuzzy             int  `yaml:"maxFuzzy"`
	MaxCompletedSearches int  `yaml:"maxCompletedSearches"`
	MaxIterations        int  `yaml:"maxIterations"`
	ArraySearchDepth     int  `yaml:"arraySearchDepth"`
	TrackForwardReturns  bool `yaml:"trackForwardReturns"`
}

type Redirect struct {
	Src int `yaml:"src"`
	Dst int `yaml:"dst"`
}

// BackwardRule names a backward pattern. Literal constants found for it
// that match one of the Insecure expressions are reported as findings.
type BackwardRule struct {
	Name        string   `yaml:"name"`
	Class       string   `yaml:"class"`
	Method      string   `yaml:"method"`
	Params      string   `yaml:"params"`
	Param       int      `yaml:"param"`
	TrackReturn bool     `yaml:"trackReturn"`
	Insecure    []string `yaml:"insecure"`
	insecure    []*regexp.Regexp
}

// ForwardRule names a forward pattern. Exactly one of ObjectType, Method
// and Literal is set.
type ForwardRule struct {
	Name       string `yaml:"name"`
	ObjectType string `yaml:"objectType"`
	Class      string `yaml:"class"`
	Method     string `yaml:"method"`
	Params     string `yaml:"params"`
	Literal    string `yaml:"literal"`
}

func Default() *Config {
	opts := slicer.DefaultOptions()
	cfg := &Config{
		ExcludePkgs: []string{
			"Landroid/support/",
			"Landroidx/",
			"Lkotlin/",
			"Lcom/google/android/gms/",
		},
		Limits: Limits{
			MaxFuzzy:             opts.MaxFuzzy,
			MaxCompletedSearches: opts.MaxCompletedSearches,
			MaxIterations:        opts.MaxIterations,
			ArraySearchDepth:     opts.ArraySearchDepth,
			TrackForwardReturns:  opts.TrackForwardReturns,
		},
		Whitelist: opts.Whitelist,
		Redirects: make(map[string]Redirect),
		Backward: []BackwardRule{
			{
				Name:     "cipher-algorithm",
				Class:    "Ljavax/crypto/Cipher;",
				Method:   "getInstance",
				Params:   "Ljava/lang/String;",
				Insecure: []string{`(?i)^(AES|DES|DESede|RC2|RC4|Blowfish)$`, `(?i)/ECB/`, `(?i)^DES`},
			},
			{
				Name:     "hardcoded-key",
				Class:    "Ljavax/crypto/spec/SecretKeySpec;",
				Method:   "<init>",
				Params:   "[BLjava/lang/String;",
				Insecure: []string{`.`},
			},
			{
				Name:     "static-iv",
				Class:    "Ljavax/crypto/spec/IvParameterSpec;",
				Method:   "<init>",
				Params:   "[B",
				Insecure: []string{`.`},
			},
			{
				Name:     "static-salt",
				Class:    "Ljavax/crypto/spec/PBEKeySpec;",
				Method:   "<init>",
				Params:   "[C[BII",
				Param:    1,
				Insecure: []string{`.`},
			},
			{
				Name:     "weak-digest",
				Class:    "Ljava/security/MessageDigest;",
				Method:   "getInstance",
				Params:   "Ljava/lang/String;",
				Insecure: []string{`(?i)^(MD2|MD4|MD5|SHA-?1)$`},
			},
			{
				Name:     "static-seed",
				Class:    "Ljava/security/SecureRandom;",
				Method:   "setSeed",
				Params:   "[B",
				Insecure: []string{`.`},
			},
		},
	}
	for sig, rd := range opts.Redirects {
		cfg.Redirects[sig] = Redirect{Src: rd.Src, Dst: rd.Dst}
	}
	return cfg
}

// Load decodes the YAML file at path over the defaults. Keys missing from
// the file keep their default value.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find loads path, or DefaultFile if path is empty and the file exists,
// or falls back to the defaults.
func Find(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		log.Infof("Using %s", DefaultFile)
		return Load(DefaultFile)
	}
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks rule names and shapes and compiles the expressions.
func (c *Config) Validate() error {
	if c.Limits.MaxFuzzy < 0 {
		return xerrors.Errorf("maxFuzzy must not be negative, got %d", c.Limits.MaxFuzzy)
	}
	if c.Limits.MaxIterations <= 0 || c.Limits.MaxCompletedSearches <= 0 || c.Limits.ArraySearchDepth <= 0 {
		return xerrors.New("maxIterations, maxCompletedSearches and arraySearchDepth must be positive")
	}
	names := make(map[string]bool)
	seen := func(name string) error {
		if name == "" {
			return xerrors.New("rule without a name")
		}
		if names[name] {
			return xerrors.Errorf("duplicate rule name %q", name)
		}
		names[name] = true
		return nil
	}
	for i := range c.Backward {
		r := &c.Backward[i]
		if err := seen(r.Name); err != nil {
			return err
		}
		if r.Method == "" {
			return xerrors.Errorf("rule %s: method is required", r.Name)
		}
		r.insecure = nil
		for _, expr := range r.Insecure {
			re, err := regexp.Compile(expr)
			if err != nil {
				return xerrors.Errorf("rule %s: %w", r.Name, err)
			}
			r.insecure = append(r.insecure, re)
		}
	}
	for i := range c.Forward {
		r := &c.Forward[i]
		if err := seen(r.Name); err != nil {
			return err
		}
		n := 0
		for _, s := range []string{r.ObjectType, r.Method, r.Literal} {
			if s != "" {
				n++
			}
		}
		if n != 1 {
			return xerrors.Errorf("rule %s: exactly one of objectType, method and literal must be set", r.Name)
		}
	}
	return nil
}

// Options converts the limits and tables for the slicer.
func (c *Config) Options() slicer.Options {
	opts := slicer.Options{
		MaxFuzzy:             c.Limits.MaxFuzzy,
		MaxCompletedSearches: c.Limits.MaxCompletedSearches,
		MaxIterations:        c.Limits.MaxIterations,
		ArraySearchDepth:     c.Limits.ArraySearchDepth,
		TrackForwardReturns:  c.Limits.TrackForwardReturns,
		Whitelist:            make(map[string][]int),
		Redirects:            make(map[string]slicer.Redirect),
	}
	for sig, idx := range c.Whitelist {
		opts.Whitelist[sig] = idx
	}
	for sig, rd := range c.Redirects {
		opts.Redirects[sig] = slicer.Redirect{Src: rd.Src, Dst: rd.Dst}
	}
	return opts
}

func (r *BackwardRule) Pattern() *slicer.BackwardPattern {
	return &slicer.BackwardPattern{
		Class:       r.Class,
		Method:      r.Method,
		Params:      r.Params,
		Param:       r.Param,
		TrackReturn: r.TrackReturn,
	}
}

// IsInsecure reports whether a literal constant value matches the rule.
// Validate must have been called.
func (r *BackwardRule) IsInsecure(value string) bool {
	for _, re := range r.insecure {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func (r *ForwardRule) Pattern() *slicer.ForwardPattern {
	return &slicer.ForwardPattern{
		ObjectType: r.ObjectType,
		Class:      r.Class,
		Method:     r.Method,
		Params:     r.Params,
		Literal:    r.Literal,
	}
}
