package manifest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePathDependencies(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app")
	writeManifest(t, app, `
[dependencies]
util = { path = "../util" }
raw = { path = "../raw" }
`)
	// util has a manifest with its own dependency on base, declared
	// relative to util's directory.
	writeManifest(t, filepath.Join(root, "util"), `
[run]
inputs = ["units"]
classpath = ["vendor.tpk"]

[dependencies]
base = { path = "../base" }
`)
	if err := os.MkdirAll(filepath.Join(root, "base"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "raw"), 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := Load(app)
	if err != nil {
		t.Fatal(err)
	}
	deps, err := NewResolver(m).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var names []string
	for _, d := range deps {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, ","); got != "raw,base,util" {
		t.Errorf("load order = %s, want raw,base,util", got)
	}

	cp, err := NewResolver(m).ClassPath()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(root, "raw"),
		filepath.Join(root, "base"),
		filepath.Join(root, "util", "vendor.tpk"),
		filepath.Join(root, "util", "units"),
	}
	if strings.Join(cp, "\n") != strings.Join(want, "\n") {
		t.Errorf("ClassPath =\n%s\nwant\n%s", strings.Join(cp, "\n"), strings.Join(want, "\n"))
	}

	lf, err := ReadLock(m.LockFilePath())
	if err != nil || lf == nil {
		t.Fatalf("ReadLock = %v, %v", lf, err)
	}
	if d := lf.FindLockedDep("base"); d == nil || d.Path != filepath.Join(root, "base") {
		t.Errorf("locked base = %+v", d)
	}
}

func TestResolveMissingPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[dependencies]\ngone = { path = \"nope\" }\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(m).Resolve(); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Resolve = %v, want not found", err)
	}
}

func TestResolveNoDependencies(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project]\nname = \"solo\"\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := NewResolver(m).ClassPath()
	if err != nil || len(cp) != 0 {
		t.Errorf("ClassPath = %v, %v", cp, err)
	}
	if _, err := os.Stat(m.LockFilePath()); !os.IsNotExist(err) {
		t.Errorf("lock file written without dependencies: %v", err)
	}
}

func TestResolveGitDependency(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	if err := os.MkdirAll(filepath.Join(repo, "units"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "units", "lib.yaml"), []byte("functions: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"init", "--quiet"},
		{"add", "."},
		{"-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "--quiet", "-m", "init"},
		{"tag", "v1"},
	} {
		if _, err := git(repo, args...); err != nil {
			t.Fatal(err)
		}
	}
	head, err := gitCurrentCommit(repo)
	if err != nil {
		t.Fatal(err)
	}

	app := filepath.Join(root, "app")
	writeManifest(t, app, "[dependencies]\nlib = { git = \""+filepath.ToSlash(repo)+"\", tag = \"v1\" }\n")
	m, err := Load(app)
	if err != nil {
		t.Fatal(err)
	}
	deps, err := NewResolver(m).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(deps) != 1 || deps[0].Commit != head || deps[0].LocalPath != filepath.Join(m.DepsDir(), "lib") {
		t.Fatalf("deps = %+v", deps)
	}
	if _, err := os.Stat(filepath.Join(deps[0].LocalPath, "units", "lib.yaml")); err != nil {
		t.Errorf("clone missing unit: %v", err)
	}

	lf, err := ReadLock(m.LockFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if d := lf.FindLockedDep("lib"); d == nil || d.Commit != head || d.Tag != "v1" {
		t.Errorf("locked lib = %+v", d)
	}

	// A second resolve reuses the clone.
	if _, err := NewResolver(m).Resolve(); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
}
