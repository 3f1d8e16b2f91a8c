package studio

import "github.com/user/austudio/pkg/codegen"

// Merger collects one run's file writes and tombstones, then folds them onto
// a base project. Writes are last-write-wins per path within the run; base
// entries survive unless this run overwrote or explicitly deleted them.
type Merger struct {
	writes  map[string]codegen.AusFile
	deletes map[string]bool
}

// NewMerger creates an empty merger for one run.
func NewMerger() *Merger {
	return &Merger{
		writes:  make(map[string]codegen.AusFile),
		deletes: make(map[string]bool),
	}
}

// ApplyWrite records a full-content replacement for path. A write after a
// delete of the same path wins: the file exists again.
func (m *Merger) ApplyWrite(path, content string) {
	delete(m.deletes, path)
	m.writes[path] = codegen.AusFile{Path: path, Content: content}
}

// ApplyDelete records a tombstone for path and discards any write this run
// made to it.
func (m *Merger) ApplyDelete(path string) {
	delete(m.writes, path)
	m.deletes[path] = true
}

// Len returns the number of pending writes.
func (m *Merger) Len() int {
	return len(m.writes)
}

// MergeInto produces the project resulting from applying this run on top of
// base. base may be nil for a cold-start run. meta, when present, replaces
// the project's name, description, and dependency manifests with the
// backend's latest report. Neither input is mutated.
func (m *Merger) MergeInto(base *codegen.AusProject, meta *codegen.ProjectMeta) *codegen.AusProject {
	out := base.Clone()
	if out == nil {
		out = &codegen.AusProject{}
	}
	if out.Files == nil {
		out.Files = make(map[string]codegen.AusFile, len(m.writes))
	}

	for path := range m.deletes {
		delete(out.Files, path)
	}
	for path, f := range m.writes {
		out.Files[path] = f
	}

	if meta != nil {
		if meta.Name != "" {
			out.Name = meta.Name
		}
		if meta.Description != "" {
			out.Description = meta.Description
		}
		if meta.FrontendDeps != nil {
			out.FrontendDeps = cloneDeps(meta.FrontendDeps)
		}
		if meta.BackendDeps != nil {
			out.BackendDeps = cloneDeps(meta.BackendDeps)
		}
	}

	return out
}

func cloneDeps(deps map[string]string) map[string]string {
	out := make(map[string]string, len(deps))
	for name, v := range deps {
		out[name] = v
	}
	return out
}
