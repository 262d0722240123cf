package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"

	"vmdisas/internal/disas"
	"vmdisas/internal/guest"
)

func TestLoadDefaults(t *testing.T) {
	v, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}

	want := &Config{
		Syntax:      "intel",
		Color:       true,
		Mode:        "amd64",
		Load:        0x100000,
		Listen:      "127.0.0.1:8888",
		SymbolCache: 4096,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.PagingMode() != guest.ModeAMD64 {
		t.Errorf("PagingMode = %v", cfg.PagingMode())
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmdisas.yaml")
	data := []byte("vmdisas:\n  syntax: gnu\n  mode: real\n  no_bytes: true\n  load: 2097152\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VMDISAS_MODE", "pae")

	v, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("syntax", "intel", "")
	fs.Bool("no-address", false, "")
	if err := fs.Parse([]string{"--syntax", "go", "--no-address"}); err != nil {
		t.Fatal(err)
	}
	if err := BindFlags(v, fs); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats file", cfg.Syntax, "go"},
		{"env beats file", cfg.Mode, "pae"},
		{"file beats default", cfg.Load, uint64(0x200000)},
		{"file bool", cfg.NoBytes, true},
		{"flag bool", cfg.NoAddress, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if got := cfg.DisasFlags(); got != disas.NoBytes|disas.NoAddress {
		t.Errorf("DisasFlags = %b", got)
	}
	if cfg.DisasSyntax() != disas.SyntaxGo {
		t.Errorf("DisasSyntax = %v", cfg.DisasSyntax())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, env, value string
	}{
		{"syntax", "VMDISAS_SYNTAX", "masm"},
		{"mode", "VMDISAS_MODE", "vm86"},
		{"cpu", "VMDISAS_CPU", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			v, err := New("")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Load(v); err == nil {
				t.Errorf("Load with %s=%s succeeded", tt.env, tt.value)
			}
		})
	}
}

func TestNewMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("New with a missing config file succeeded")
	}
}
