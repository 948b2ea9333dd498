package config

import (
	"github.com/google/go-cmp/cmp"
	"github.com/o2lab/dexslice/slicer"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultMatchesSlicerDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(slicer.DefaultOptions(), cfg.Options()); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
excludePkgs: [Lorg/bouncycastle/]
limits:
  maxFuzzy: 2
whitelist:
  Lcom/example/Util;->hex([BZ): [1]
backward:
  - name: ecb
    class: Ljavax/crypto/Cipher;
    method: getInstance
    params: Ljava/lang/String;
    insecure: ["(?i)/ECB/"]
forward:
  - name: keys
    objectType: Ljavax/crypto/spec/SecretKeySpec;
`))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.Options()
	if opts.MaxFuzzy != 2 {
		t.Errorf("MaxFuzzy = %d", opts.MaxFuzzy)
	}
	if opts.MaxIterations != slicer.DefaultOptions().MaxIterations {
		t.Errorf("MaxIterations lost its default: %d", opts.MaxIterations)
	}
	if diff := cmp.Diff([]string{"Lorg/bouncycastle/"}, cfg.ExcludePkgs); diff != "" {
		t.Errorf("excludePkgs (-want +got):\n%s", diff)
	}
	if got := opts.Whitelist["Lcom/example/Util;->hex([BZ)"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("added whitelist entry = %v", got)
	}
	if _, ok := opts.Whitelist["Ljava/lang/String;->getBytes(Ljava/lang/String;)"]; !ok {
		t.Error("built-in whitelist entry dropped")
	}
	if _, ok := opts.Redirects["Ljava/lang/System;->arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)"]; !ok {
		t.Error("built-in redirect dropped")
	}
	if len(cfg.Backward) != 1 || len(cfg.Forward) != 1 {
		t.Fatalf("rules: %d backward, %d forward", len(cfg.Backward), len(cfg.Forward))
	}
	r := cfg.Backward[0]
	if !r.IsInsecure("AES/ECB/PKCS5Padding") || r.IsInsecure("AES/GCM/NoPadding") {
		t.Error("insecure expression not applied")
	}
	want := &slicer.BackwardPattern{Class: "Ljavax/crypto/Cipher;", Method: "getInstance", Params: "Ljava/lang/String;"}
	if diff := cmp.Diff(want, r.Pattern()); diff != "" {
		t.Errorf("pattern (-want +got):\n%s", diff)
	}
	if got := cfg.Forward[0].Pattern().String(); got != "new Ljavax/crypto/spec/SecretKeySpec;" {
		t.Errorf("forward pattern = %s", got)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name, yml, want string
	}{
		{"unknown key", "limits:\n  maxFuzz: 1\n", "maxFuzz"},
		{"negative fuzzy", "limits:\n  maxFuzzy: -1\n", "maxFuzzy"},
		{"zero cap", "limits:\n  maxIterations: 0\n", "positive"},
		{"unnamed", "backward:\n  - method: m\n", "without a name"},
		{"duplicate", "backward:\n  - {name: a, method: m}\nforward:\n  - {name: a, literal: x}\n", "duplicate"},
		{"no method", "backward:\n  - name: a\n", "method is required"},
		{"bad regexp", "backward:\n  - {name: a, method: m, insecure: ['(']}\n", "rule a"},
		{"two seeds", "forward:\n  - {name: a, literal: x, objectType: LA;}\n", "exactly one"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Find("")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Backward) != len(Default().Backward) {
		t.Errorf("defaults not used without a file")
	}

	if err := ioutil.WriteFile(DefaultFile, []byte("limits:\n  maxFuzzy: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if cfg, err = Find(""); err != nil || cfg.Limits.MaxFuzzy != 1 {
		t.Errorf("Find picked up %v, %v", cfg, err)
	}
	if _, err := Find(filepath.Join(dir, "missing.yml")); err == nil {
		t.Error("missing explicit file accepted")
	}
}
