package grouping

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"microseq/internal/models"
	"microseq/pkg/importer"
)

// GroupableSeriesPolicy decides whether the series of a multi-series file may
// be folded into a group's channel/series layout. The default policy only
// allows it when every series is a still (SizeT == 1); override it when the
// acquisition software is known to behave differently.
type GroupableSeriesPolicy func(meta *models.Metadata) bool

// DefaultSeriesPolicy allows series grouping only when every series has a
// time extent of one.
func DefaultSeriesPolicy(meta *models.Metadata) bool {
	for i := 0; i < meta.NumSeries(); i++ {
		if meta.SeriesAt(i).SizeT != 1 {
			return false
		}
	}
	return true
}

// PathError records a path that could not be considered for loading.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e PathError) Unwrap() error { return e.Err }

// Grouper partitions file paths into groups representing one logical
// acquisition each and assigns every path a (T,Z,C,Series) coordinate.
type Grouper struct {
	// Registry resolves which backend reads a path when none is supplied
	Registry *importer.Registry

	// SeriesPolicy is the overridable multi-series grouping heuristic
	SeriesPolicy GroupableSeriesPolicy

	// AllowExtensions restricts grouping to these extensions when non-empty
	AllowExtensions []string

	// DenyExtensions excludes sidecar and non-image files from grouping
	DenyExtensions []string

	// Log receives grouping diagnostics
	Log zerolog.Logger
}

// NewGrouper returns a grouper resolving against the given registry.
func NewGrouper(reg *importer.Registry, log zerolog.Logger) *Grouper {
	return &Grouper{
		Registry:     reg,
		SeriesPolicy: DefaultSeriesPolicy,
		Log:          log,
	}
}

// groupKey identifies one group while it is being assembled.
type groupKey struct {
	dir      string
	stem     string
	importer string
}

// Group partitions paths into acquisition groups.
//
// When entry is non-nil every path is assumed readable by it and grouping
// uses only filename inference. When entry is nil, each path resolves to the
// first registered importer accepting it; resolution is reproducible for
// identical inputs. With autoOrder false every file becomes its own
// singleton group at position (0,0,0,0).
//
// A directory given as the sole input is first expanded recursively; the
// resulting group keeps a directory origin only when the whole directory
// collapses into exactly one group.
func (g *Grouper) Group(ctx context.Context, entry *importer.Entry, paths []string, autoOrder bool) ([]*Group, []PathError, error) {
	paths, fromDir, err := g.expand(paths)
	if err != nil {
		return nil, nil, err
	}

	var issues []PathError
	byKey := make(map[groupKey]*Group)
	var order []groupKey
	untagged := make(map[groupKey][]tokens)
	untaggedPath := make(map[groupKey][]string)

	singleton := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		if g.excluded(path) {
			g.Log.Debug().Str("path", path).Msg("excluded from grouping")
			continue
		}

		resolved := entry
		if resolved == nil {
			e, rerr := g.Registry.Resolve(path)
			if rerr != nil {
				issues = append(issues, PathError{Path: path, Err: rerr})
				continue
			}
			resolved = &e
		}

		tk, stem := parseTokens(path)
		key := groupKey{dir: filepath.Dir(path), stem: stem, importer: resolved.Name}
		if !autoOrder {
			// no stitching: one group per file
			key = groupKey{dir: filepath.Dir(path), stem: fmt.Sprintf("%s#%d", stem, singleton), importer: resolved.Name}
			singleton++
			tk = tokens{t: -1, z: -1, c: -1, s: -1}
		}

		grp, ok := byKey[key]
		if !ok {
			grp = NewGroup(Ident{Base: stem, Dir: key.dir}, *resolved)
			byKey[key] = grp
			order = append(order, key)
		}

		switch {
		case !autoOrder:
			grp.Add(Position{Path: path})
		case tk.tagged():
			pos := tk.position(path)
			if !grp.Add(pos) {
				c := grp.Conflicts[len(grp.Conflicts)-1]
				g.Log.Warn().Str("group", grp.Ident.Name()).Msg(c.String())
			}
		default:
			// deferred: ordered once the whole group is known
			untagged[key] = append(untagged[key], tk)
			untaggedPath[key] = append(untaggedPath[key], path)
		}
	}

	// Untagged files take increasing T positions in lexicographic order of
	// their remaining filename suffix.
	for key, tks := range untagged {
		grp := byKey[key]
		paths := untaggedPath[key]
		idx := make([]int, len(tks))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool {
			if tks[idx[a]].suffix != tks[idx[b]].suffix {
				return tks[idx[a]].suffix < tks[idx[b]].suffix
			}
			return paths[idx[a]] < paths[idx[b]]
		})
		for t, i := range idx {
			pos := Position{Path: paths[i], T: t}
			if !grp.Add(pos) {
				c := grp.Conflicts[len(grp.Conflicts)-1]
				g.Log.Warn().Str("group", grp.Ident.Name()).Msg(c.String())
			}
		}
	}

	groups := make([]*Group, 0, len(order))
	for _, key := range order {
		grp := byKey[key]
		grp.sortPositions()
		groups = append(groups, grp)
	}

	if fromDir && len(groups) == 1 {
		groups[0].Ident.FromDirectory = true
	}

	g.Log.Info().Int("paths", len(paths)).Int("groups", len(groups)).
		Int("excluded", len(issues)).Bool("autoOrder", autoOrder).
		Msg("grouping complete")
	return groups, issues, nil
}

// expand replaces a sole directory input with its recursive file list.
func (g *Grouper) expand(paths []string) ([]string, bool, error) {
	if len(paths) != 1 {
		return paths, false, nil
	}
	info, err := os.Stat(paths[0])
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", paths[0], err)
	}
	if !info.IsDir() {
		return paths, false, nil
	}

	var files []string
	err = filepath.WalkDir(paths[0], func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("walk %s: %w", paths[0], err)
	}
	sort.Strings(files)
	return files, true, nil
}

// excluded applies the extension allow/deny lists.
func (g *Grouper) excluded(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, deny := range g.DenyExtensions {
		if ext == strings.ToLower(deny) {
			return true
		}
	}
	if len(g.AllowExtensions) == 0 {
		return false
	}
	for _, allow := range g.AllowExtensions {
		if ext == strings.ToLower(allow) {
			return false
		}
	}
	return true
}
