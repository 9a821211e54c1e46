// Package search keeps a full-text index of comments.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Index      string `json:"index,omitempty"`
	Username   string `json:"username"`
	Snippet    string `json:"snippet"`
	Timestamp  int64  `json:"timestamp"`
	TargetID   string `json:"targetMessageId,omitempty"`
	Flagged    bool   `json:"flagged,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	Identifier     string // empty = every feed
	Username       string
	IncludeFlagged bool
	Limit          int
	Offset         int
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

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	IndexComments(cs []CommentRecord) error
}

// CommentRecord is the data we index for one comment.
type CommentRecord struct {
	DocID      string `json:"docId"`
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Index      string `json:"index"`
	Message    string `json:"message"`
	Username   string `json:"username"`
	Address    string `json:"address,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	TargetID   string `json:"targetMessageId,omitempty"`
	Flagged    bool   `json:"flagged"`
}
