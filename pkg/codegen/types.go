package codegen

// AusFile is one generated source file. Path is the unique key in a
// project's file map: case-sensitive, POSIX-style, with the backend/frontend
// prefix significant.
type AusFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// AusProject is the durable, cross-run project assembled from generation
// output. On refine runs the caller sends the current project back so the
// backend can diff instead of regenerating from scratch.
type AusProject struct {
	Name         string             `json:"name,omitempty"`
	Description  string             `json:"description,omitempty"`
	Files        map[string]AusFile `json:"files"`
	FrontendDeps map[string]string  `json:"frontend_deps,omitempty"`
	BackendDeps  map[string]string  `json:"backend_deps,omitempty"`
}

// Clone returns a deep copy. Merging a run into a project must never alias
// the prior run's maps.
func (p *AusProject) Clone() *AusProject {
	if p == nil {
		return nil
	}
	out := &AusProject{
		Name:        p.Name,
		Description: p.Description,
		Files:       make(map[string]AusFile, len(p.Files)),
	}
	for path, f := range p.Files {
		out.Files[path] = f
	}
	if p.FrontendDeps != nil {
		out.FrontendDeps = make(map[string]string, len(p.FrontendDeps))
		for name, v := range p.FrontendDeps {
			out.FrontendDeps[name] = v
		}
	}
	if p.BackendDeps != nil {
		out.BackendDeps = make(map[string]string, len(p.BackendDeps))
		for name, v := range p.BackendDeps {
			out.BackendDeps[name] = v
		}
	}
	return out
}

// Request is the body of one generation call. A non-nil Project marks the
// run as a refine of an existing project and is always forwarded.
type Request struct {
	Prompt  string      `json:"prompt"`
	Project *AusProject `json:"project,omitempty"`
}
