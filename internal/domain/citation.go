package domain

// Source is one retrieved search result.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Citation is a source the answer text refers to with "[Source N]".
// Ordinal is 1-based and matches N.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Ordinal int    `json:"ordinal"`
}
