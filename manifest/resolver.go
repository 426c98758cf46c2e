package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tern.manifest")

// ResolvedDep is a dependency resolved to a local path.
type ResolvedDep struct {
	Name      string    // dependency name
	LocalPath string    // directory or archive on the local filesystem
	Git       string    // repository URL for git dependencies
	Tag       string    // requested tag, if any
	Commit    string    // checked-out commit for git dependencies
	Manifest  *Manifest // the dependency's own manifest (may be nil)
}

// ClassPath returns the class-path entries the dependency contributes: its
// manifest's inputs and class path when it has one, otherwise LocalPath.
func (d ResolvedDep) ClassPath() []string {
	if d.Manifest == nil {
		return []string{d.LocalPath}
	}
	return append(d.Manifest.ClassPathEntries(), d.Manifest.InputPaths()...)
}

// Resolver manages dependency resolution.
type Resolver struct {
	manifest *Manifest
	lock     *LockFile
}

// NewResolver creates a resolver for m's [dependencies].
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{manifest: m}
}

// Resolve resolves all dependencies and returns them in load order
// (dependencies before dependents), then rewrites the lock file.
func (r *Resolver) Resolve() ([]ResolvedDep, error) {
	if len(r.manifest.Dependencies) == 0 {
		return nil, nil
	}
	lock, err := ReadLock(r.manifest.LockFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	r.lock = lock

	if err := os.MkdirAll(r.manifest.DepsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating deps dir: %w", err)
	}

	resolved := make(map[string]*ResolvedDep)
	order, err := r.resolveAll(r.manifest.Dir, r.manifest.Dependencies, resolved)
	if err != nil {
		return nil, err
	}
	if err := r.writeLock(order); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return order, nil
}

// ClassPath resolves the dependencies and flattens their class-path
// entries in load order.
func (r *Resolver) ClassPath() ([]string, error) {
	deps, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	var cp []string
	for _, d := range deps {
		cp = append(cp, d.ClassPath()...)
	}
	return cp, nil
}

// resolveAll resolves deps in name order, recursing into the manifests of
// the resolved dependencies. Path dependencies are relative to base.
func (r *Resolver) resolveAll(base string, deps map[string]Dependency, resolved map[string]*ResolvedDep) ([]ResolvedDep, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []ResolvedDep
	for _, name := range names {
		if _, ok := resolved[name]; ok {
			continue
		}
		rd, err := r.resolveOne(base, name, deps[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		resolved[name] = rd

		if rd.Manifest != nil && len(rd.Manifest.Dependencies) > 0 {
			transitive, err := r.resolveAll(rd.Manifest.Dir, rd.Manifest.Dependencies, resolved)
			if err != nil {
				return nil, err
			}
			order = append(order, transitive...)
		}
		order = append(order, *rd)
	}
	return order, nil
}

// loadOptional loads dir's manifest if it is a directory holding one.
func loadOptional(dir string) (*Manifest, error) {
	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil || info.IsDir() {
		return nil, nil
	}
	return Load(dir)
}

func (r *Resolver) resolveOne(base, name string, dep Dependency) (*ResolvedDep, error) {
	if dep.Path != "" {
		localPath := dep.Path
		if !filepath.IsAbs(localPath) {
			localPath = filepath.Join(base, localPath)
		}
		localPath, err := filepath.Abs(localPath)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", dep.Path, err)
		}
		if _, err := os.Stat(localPath); err != nil {
			return nil, fmt.Errorf("local dependency %q not found at %s: %w", name, localPath, err)
		}
		depManifest, err := loadOptional(localPath)
		if err != nil {
			return nil, err
		}
		return &ResolvedDep{Name: name, LocalPath: localPath, Manifest: depManifest}, nil
	}

	if dep.Git == "" {
		return nil, fmt.Errorf("dependency %q has no git or path specified", name)
	}
	depDir := filepath.Join(r.manifest.DepsDir(), name)
	locked := r.lock.FindLockedDep(name)

	if _, err := os.Stat(depDir); os.IsNotExist(err) {
		log.Infof("cloning %s from %s", name, dep.Git)
		if err := gitClone(dep.Git, depDir); err != nil {
			return nil, err
		}
	} else if locked == nil || locked.Tag != dep.Tag || locked.Git != dep.Git {
		log.Infof("fetching %s", name)
		if err := gitFetch(depDir); err != nil {
			return nil, err
		}
	}

	ref := dep.Tag
	if ref == "" && locked != nil && locked.Git == dep.Git {
		ref = locked.Commit
	}
	if ref != "" {
		if err := gitCheckout(depDir, ref); err != nil {
			return nil, err
		}
	}
	commit, err := gitCurrentCommit(depDir)
	if err != nil {
		return nil, err
	}
	depManifest, err := loadOptional(depDir)
	if err != nil {
		return nil, err
	}
	return &ResolvedDep{Name: name, LocalPath: depDir, Git: dep.Git, Tag: dep.Tag, Commit: commit, Manifest: depManifest}, nil
}

func (r *Resolver) writeLock(order []ResolvedDep) error {
	lf := &LockFile{}
	for _, rd := range order {
		ld := LockedDep{Name: rd.Name, Git: rd.Git, Tag: rd.Tag, Commit: rd.Commit}
		if rd.Git == "" {
			ld.Path = rd.LocalPath
		}
		lf.Deps = append(lf.Deps, ld)
	}
	if err := os.MkdirAll(filepath.Dir(r.manifest.LockFilePath()), 0o755); err != nil {
		return err
	}
	return WriteLock(r.manifest.LockFilePath(), lf)
}
