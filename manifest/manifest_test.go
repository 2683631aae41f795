package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/zfvm/verify"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a zfvm.toml
	dir := t.TempDir()
	tomlContent := `
[project]
name = "test-app"
namespace = "TestApp"
version = "0.1.0"

[source]
dirs = ["src", "lib"]
entry = "boot.zfa"
output = "out/test.zfm"

[verify]
policy = "strict"
cache = ".zfvm/verify.db"
`
	if err := os.WriteFile(filepath.Join(dir, "zfvm.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if len(m.Source.Dirs) != 2 {
		t.Errorf("source dirs count = %d, want 2", len(m.Source.Dirs))
	}
	if m.Source.Entry != "boot.zfa" {
		t.Errorf("source entry = %q, want boot.zfa", m.Source.Entry)
	}
	if m.Policy() != verify.Strict {
		t.Errorf("policy = %v, want strict", m.Policy())
	}
	if want := filepath.Join(m.Dir, "out/test.zfm"); m.OutputPath() != want {
		t.Errorf("output path = %q, want %q", m.OutputPath(), want)
	}
	if want := filepath.Join(m.Dir, ".zfvm/verify.db"); m.CachePath() != want {
		t.Errorf("cache path = %q, want %q", m.CachePath(), want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, "zfvm.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Default source dir should be "src"
	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default source dirs = %v, want [src]", m.Source.Dirs)
	}
	if m.Source.Entry != "main.zfa" {
		t.Errorf("default entry = %q, want main.zfa", m.Source.Entry)
	}
	if m.Policy() != verify.Permissive {
		t.Errorf("default policy = %v, want permissive", m.Policy())
	}
	if m.CachePath() != "" {
		t.Errorf("default cache path = %q, want empty", m.CachePath())
	}
	if want := filepath.Join(m.Dir, "minimal.zfm"); m.OutputPath() != want {
		t.Errorf("default output = %q, want %q", m.OutputPath(), want)
	}
}

func TestLoadManifestBadPolicy(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[verify]
policy = "paranoid"
`
	if err := os.WriteFile(filepath.Join(dir, "zfvm.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[project]
name = "found-project"
`
	if err := os.WriteFile(filepath.Join(dir, "zfvm.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no zfvm.toml exists")
	}
}

func TestSourceDirPaths(t *testing.T) {
	m := &Manifest{
		Dir: "/app",
		Source: Source{
			Dirs: []string{"src", "lib"},
		},
	}

	paths := m.SourceDirPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if paths[0] != "/app/src" {
		t.Errorf("paths[0] = %q, want /app/src", paths[0])
	}
	if paths[1] != "/app/lib" {
		t.Errorf("paths[1] = %q, want /app/lib", paths[1])
	}
}

func TestEntryPath(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "lib")
	if err := os.MkdirAll(libDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(libDir, "main.zfa"), []byte("; empty\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m := &Manifest{
		Dir:    dir,
		Source: Source{Dirs: []string{"src", "lib"}, Entry: "main.zfa"},
	}

	// src/main.zfa does not exist, lib/main.zfa does.
	if got, want := m.EntryPath(), filepath.Join(libDir, "main.zfa"); got != want {
		t.Errorf("EntryPath = %q, want %q", got, want)
	}
}
