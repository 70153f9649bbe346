// Package fswatch feeds the contents of a file tree into facts Input tables,
// so that derived queries may be computed over files and incrementally
// re-verified as the tree changes. A Feeder owns two tables: per-file
// contents, and per-directory listings. It reads through an afero.Fs, so
// tests may drive it entirely in memory; Watch additionally tails live
// filesystem notifications, batching bursts of events into single writes.
package fswatch

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.errata.dev/core/facts"
)

// FeederSpec configures a Feeder.
type FeederSpec struct {
	// ApplyDelay bounds the time observed filesystem events are batched
	// before application as one write. Bursts of events (an editor save, a
	// build touching many files) thereby cancel in-flight fetches once
	// rather than once per file. Default is 30ms.
	ApplyDelay time.Duration
	// Filter, if non-nil, limits the fed files. It is invoked with
	// slash-separated paths relative to the root.
	Filter func(path string) bool
	// Durability at which fed values are written. Default is Low.
	Durability facts.Durability
}

// File is the fed state of one path. Paths never observed (or observed as
// removed) read as the zero File, rather than failing the fetch.
type File struct {
	// Data is the file's content.
	Data []byte
	// Exists is false if the path is absent from the tree.
	Exists bool
}

// Feeder mirrors the file tree under a root directory into Input tables.
// The Feeder is the sole writer of its tables: values it observes as
// unchanged are not re-written, preserving incremental re-verification of
// queries over them.
type Feeder struct {
	rt   *facts.Runtime
	fs   afero.Fs
	root string
	spec FeederSpec

	contents *facts.Input[string, File]
	listings *facts.Input[string, []string]

	mu    sync.Mutex
	known map[string]struct{} // Fed file paths, relative to the root.
}

// NewFeeder returns a Feeder of the tree rooted at |root| of |fs|,
// registering tables "|name|/contents" and "|name|/listings" with |rt|.
// Call Rescan to feed the initial tree.
func NewFeeder(rt *facts.Runtime, name string, fs afero.Fs, root string, spec FeederSpec) *Feeder {
	if spec.ApplyDelay == 0 {
		spec.ApplyDelay = 30 * time.Millisecond
	}
	return &Feeder{
		rt:   rt,
		fs:   fs,
		root: root,
		spec: spec,
		contents: facts.NewInput[string, File](rt, name+"/contents", facts.InputSpec[File]{
			Durability: spec.Durability,
			Default:    func() File { return File{} },
		}),
		listings: facts.NewInput[string, []string](rt, name+"/listings", facts.InputSpec[[]string]{
			Durability: spec.Durability,
			Default:    func() []string { return nil },
		}),
		known: make(map[string]struct{}),
	}
}

// Contents returns the per-file table: slash-separated path relative to the
// root, to its fed File.
func (f *Feeder) Contents() *facts.Input[string, File] { return f.contents }

// Listings returns the per-directory table: slash-separated directory path
// relative to the root ("." for the root itself), to the sorted names of its
// immediate children.
func (f *Feeder) Listings() *facts.Input[string, []string] { return f.listings }

// Rescan walks the full tree and feeds every difference from the fed state,
// including removals, as one write.
func (f *Feeder) Rescan() error {
	var found = make(map[string]struct{})

	var err = afero.Walk(f.fs, f.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if rel, ok := f.relPath(p); ok {
			found[rel] = struct{}{}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "walking %s", f.root)
	}

	var paths = make([]string, 0, len(found))
	for rel := range found {
		paths = append(paths, rel)
	}
	f.mu.Lock()
	for rel := range f.known {
		if _, ok := found[rel]; !ok {
			paths = append(paths, rel) // Removed since the last scan.
		}
	}
	f.mu.Unlock()

	return f.Refresh(paths...)
}

// Refresh re-reads |paths| (slash-separated, relative to the root) and feeds
// every observed difference as one write. Paths which read back identical to
// their fed state are not re-written.
func (f *Feeder) Refresh(paths ...string) error {
	type update struct {
		path string
		file File
	}
	var ctx = context.Background()
	var updates []update

	for _, rel := range paths {
		if f.spec.Filter != nil && !f.spec.Filter(rel) {
			continue
		}
		var file, err = f.readFile(rel)
		if err != nil {
			return err
		}
		if cur, err := f.contents.Fetch(ctx, rel); err == nil && fileEqual(cur, file) {
			continue
		}
		updates = append(updates, update{path: rel, file: file})
	}
	if len(updates) == 0 {
		return nil
	}

	f.mu.Lock()
	var dirs = make(map[string]struct{})
	for _, u := range updates {
		if u.file.Exists {
			f.known[u.path] = struct{}{}
		} else {
			delete(f.known, u.path)
		}
		for d := path.Dir(u.path); ; d = path.Dir(d) {
			dirs[d] = struct{}{}
			if d == "." {
				break
			}
		}
	}
	type listing struct {
		dir   string
		names []string
	}
	var relisted = make([]listing, 0, len(dirs))
	for d := range dirs {
		relisted = append(relisted, listing{dir: d, names: f.listingOf(d)})
	}
	f.mu.Unlock()

	f.rt.Write(func(b *facts.Batch) {
		for _, u := range updates {
			f.contents.StageSet(b, u.path, u.file)
		}
		for _, l := range relisted {
			if cur, err := f.listings.Fetch(ctx, l.dir); err == nil && namesEqual(cur, l.names) {
				continue
			}
			f.listings.StageSet(b, l.dir, l.names)
		}
	})

	log.WithFields(log.Fields{"root": f.root, "paths": len(updates)}).
		Debug("fed file updates")
	return nil
}

// readFile reads the current state of |rel|. Paths which are absent, or
// which are not regular files, read as the zero File.
func (f *Feeder) readFile(rel string) (File, error) {
	var full = filepath.Join(f.root, filepath.FromSlash(rel))

	if info, err := f.fs.Stat(full); os.IsNotExist(err) {
		return File{}, nil
	} else if err != nil {
		return File{}, errors.WithMessagef(err, "stat %s", rel)
	} else if info.IsDir() {
		return File{}, nil
	}
	var data, err = afero.ReadFile(f.fs, full)
	if os.IsNotExist(err) {
		return File{}, nil // Raced a concurrent removal.
	} else if err != nil {
		return File{}, errors.WithMessagef(err, "reading %s", rel)
	}
	return File{Data: data, Exists: true}, nil
}

// isDir returns whether |p| currently stats as a directory.
func (f *Feeder) isDir(p string) bool {
	var info, err = f.fs.Stat(p)
	return err == nil && info.IsDir()
}

// listingOf derives the immediate children of |dir| from the known file set.
// f.mu must be held.
func (f *Feeder) listingOf(dir string) []string {
	var prefix string
	if dir != "." {
		prefix = dir + "/"
	}
	var set = make(map[string]struct{})
	for rel := range f.known {
		if !strings.HasPrefix(rel, prefix) {
			continue
		}
		var rest = rel[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i != -1 {
			rest = rest[:i] // A subdirectory.
		}
		set[rest] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	var names = make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// relPath maps absolute or root-relative |p| to a slash-separated path
// relative to the root, applying the configured Filter.
func (f *Feeder) relPath(p string) (string, bool) {
	var rel, err = filepath.Rel(f.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if f.spec.Filter != nil && !f.spec.Filter(rel) {
		return "", false
	}
	return rel, true
}

func fileEqual(a, b File) bool {
	return a.Exists == b.Exists && string(a.Data) == string(b.Data)
}

func namesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
