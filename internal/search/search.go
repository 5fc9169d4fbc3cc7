// Package search indexes tree titles and node titles for full-text
// lookup. Meilisearch is the primary backend; when it is down or not
// configured, queries fall back to a substring scan over the persisted
// tree metadata.
package search

// TreeRecord is the data indexed per tree.
type TreeRecord struct {
	TreeID     string   `json:"treeId"`
	Title      string   `json:"title"`
	NodeTitles []string `json:"nodeTitles"`
	NodeCount  int      `json:"nodeCount"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Result is a single search hit.
type Result struct {
	TreeID    string `json:"treeId"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	NodeCount int    `json:"nodeCount"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
