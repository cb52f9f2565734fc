package models

import "time"

// AnalyzeRequest is sent to a document extraction service.
type AnalyzeRequest struct {
	Document []byte
	Locale   string
	Mode     string
}

// AnalyzeResult is the ordered text layout returned by an extraction service.
type AnalyzeResult struct {
	Pages []Page `json:"pages"`
}

// Page holds the lines of one page in reading order.
type Page struct {
	PageNumber int    `json:"pageNumber"`
	Lines      []Line `json:"lines"`
}

// Line is a single line of extracted text.
type Line struct {
	Content string `json:"content"`
}

// ObjectInfo describes a stored object as seen by a container listing.
type ObjectInfo struct {
	Container string
	Name      string
	SizeBytes int64
	Created   time.Time
}
