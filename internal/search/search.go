package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultFile     ResultType = "file"
	ResultDocument ResultType = "document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	Path      string     `json:"path,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexFile(f FileEntry) error
	IndexDocument(d DocumentEntry) error
	DeleteFile(id string) error
	DeleteDocument(id string) error
}

// FileEntry is the data we index for a synced project file.
type FileEntry struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	IsFolder  bool   `json:"isFolder"`
}

// DocumentEntry is the data we index for a shared document snapshot. Text is
// the flattened component text of the page.
type DocumentEntry struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Text      string `json:"text"`
}
