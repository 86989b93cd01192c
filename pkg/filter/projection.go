package filter

import "sync"

// Projection extracts a task definition's watched fields from a source
// document and un-flattens them back into nested form, producing the
// lastObservedValues signature spec.md §4.4 compares across planning runs
// to decide whether a change actually matters to a given task.
type Projection struct {
	paths []string
}

// Project builds the watched-values document for doc.
func (p *Projection) Project(doc map[string]any) map[string]any {
	out := map[string]any{}
	if p == nil {
		return out
	}
	for _, path := range p.paths {
		if v, ok := getPath(doc, path); ok {
			setPath(out, path, v)
		}
	}
	return out
}

// ProjectionCompiler memoizes WatchProjection compilation the same way
// Compiler memoizes predicates.
type ProjectionCompiler struct {
	mu    sync.Mutex
	cache map[any]*Projection
}

func NewProjectionCompiler() *ProjectionCompiler {
	return &ProjectionCompiler{cache: make(map[any]*Projection)}
}

// CompileWatchProjection accepts either a []string of dotted paths or a
// map[string]any whose keys are the watched dotted paths (Mongo's own
// $project shorthand, {"field": 1}).
func (pc *ProjectionCompiler) CompileWatchProjection(projection any) (*Projection, error) {
	if projection == nil {
		return &Projection{}, nil
	}

	pc.mu.Lock()
	if cached, ok := pc.cache[identityKey(projection)]; ok {
		pc.mu.Unlock()
		return cached, nil
	}
	pc.mu.Unlock()

	var paths []string
	switch p := projection.(type) {
	case []string:
		paths = append(paths, p...)
	case map[string]any:
		for k := range p {
			paths = append(paths, k)
		}
	default:
		return &Projection{}, nil
	}

	compiled := &Projection{paths: paths}
	pc.mu.Lock()
	pc.cache[identityKey(projection)] = compiled
	pc.mu.Unlock()
	return compiled, nil
}
