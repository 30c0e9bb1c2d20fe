// Package api holds the public configuration surface of the scanner.
package api

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Policy controls what a scan visits and how it schedules work.
type Policy struct {
	// Workers is the parallel worker count per scan phase. The calling
	// goroutine always participates as one of them.
	Workers int
	// ChunkSize is the target number of matched records per parse chunk.
	// Smaller chunks level load better at the cost of re-opening archive
	// handles more often.
	ChunkSize int

	// ScanDirs / ScanArchives enable the respective container kinds.
	ScanDirs     bool
	ScanArchives bool
	// ScanFiles enables the path-scan and record-parse phases; false
	// means container discovery only.
	ScanFiles bool
	// BestEffort continues past per-container failures and reports them
	// alongside a partial graph instead of aborting the scan.
	BestEffort bool

	// MatchSuffix selects which relative paths count as records.
	MatchSuffix string
	// BaseDir resolves relative container references.
	BaseDir string

	// AllowPaths / DenyPaths filter containers by canonical path, with
	// deny taking precedence. Patterns use path.Match syntax; a pattern
	// without wildcards matches exactly.
	AllowPaths []string
	DenyPaths  []string
	// AllowModules / DenyModules filter module containers by name.
	AllowModules []string
	DenyModules  []string

	// KeepTempFiles leaves extracted nested archives on disk after the
	// scan instead of removing them.
	KeepTempFiles bool
}

// Default returns the policy used when no configuration is given.
func Default() *Policy {
	base := "/"
	if wd, err := os.Getwd(); err == nil {
		base = filepath.ToSlash(wd)
	}
	return &Policy{
		Workers:      runtime.NumCPU(),
		ChunkSize:    200,
		ScanDirs:     true,
		ScanArchives: true,
		ScanFiles:    true,
		MatchSuffix:  ".class",
		BaseDir:      base,
	}
}

func matchAny(patterns []string, value string) bool {
	for _, pat := range patterns {
		if pat == value {
			return true
		}
		if ok, err := path.Match(pat, value); err == nil && ok {
			return true
		}
	}
	return false
}

// PathAllowed reports whether a container at the given canonical path
// passes the allow/deny filters. Deny wins; a non-empty allow list
// admits only matching paths.
func (p *Policy) PathAllowed(canonical string) bool {
	if matchAny(p.DenyPaths, canonical) {
		return false
	}
	if len(p.AllowPaths) > 0 {
		return matchAny(p.AllowPaths, canonical)
	}
	return true
}

// ModuleAllowed reports whether a module container passes the module
// name filters.
func (p *Policy) ModuleAllowed(name string) bool {
	if matchAny(p.DenyModules, name) {
		return false
	}
	if len(p.AllowModules) > 0 {
		return matchAny(p.AllowModules, name)
	}
	return true
}

// policyFile is the HCL shape of a policy file. Pointer fields
// distinguish "absent" from zero values so file settings overlay the
// defaults.
type policyFile struct {
	Workers       *int     `hcl:"workers,optional"`
	ChunkSize     *int     `hcl:"chunk_size,optional"`
	ScanDirs      *bool    `hcl:"scan_dirs,optional"`
	ScanArchives  *bool    `hcl:"scan_archives,optional"`
	ScanFiles     *bool    `hcl:"scan_files,optional"`
	BestEffort    *bool    `hcl:"best_effort,optional"`
	MatchSuffix   *string  `hcl:"match_suffix,optional"`
	BaseDir       *string  `hcl:"base_dir,optional"`
	AllowPaths    []string `hcl:"allow_paths,optional"`
	DenyPaths     []string `hcl:"deny_paths,optional"`
	AllowModules  []string `hcl:"allow_modules,optional"`
	DenyModules   []string `hcl:"deny_modules,optional"`
	KeepTempFiles *bool    `hcl:"keep_temp_files,optional"`
}

// LoadPolicy reads an HCL policy file and applies it over Default.
func LoadPolicy(file string) (*Policy, error) {
	var pf policyFile
	if err := hclsimple.DecodeFile(file, nil, &pf); err != nil {
		return nil, fmt.Errorf("load policy %s: %w", file, err)
	}
	p := Default()
	if pf.Workers != nil {
		p.Workers = *pf.Workers
	}
	if pf.ChunkSize != nil {
		p.ChunkSize = *pf.ChunkSize
	}
	if pf.ScanDirs != nil {
		p.ScanDirs = *pf.ScanDirs
	}
	if pf.ScanArchives != nil {
		p.ScanArchives = *pf.ScanArchives
	}
	if pf.ScanFiles != nil {
		p.ScanFiles = *pf.ScanFiles
	}
	if pf.BestEffort != nil {
		p.BestEffort = *pf.BestEffort
	}
	if pf.MatchSuffix != nil {
		p.MatchSuffix = *pf.MatchSuffix
	}
	if pf.BaseDir != nil {
		p.BaseDir = *pf.BaseDir
	}
	p.AllowPaths = pf.AllowPaths
	p.DenyPaths = pf.DenyPaths
	p.AllowModules = pf.AllowModules
	p.DenyModules = pf.DenyModules
	if pf.KeepTempFiles != nil {
		p.KeepTempFiles = *pf.KeepTempFiles
	}
	return p, nil
}
