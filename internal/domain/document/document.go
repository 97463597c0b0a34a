// Package document holds the types exchanged between the orchestrator and the
// file guard, the extraction engines and the normalizer.
package document

// File is an uploaded document held in memory for one pipeline run
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// FileCheck is the file guard's verdict
type FileCheck struct {
	IsValid      bool
	Errors       []string
	DetectedType string
	PageCount    int
}

// Extraction is the raw output of an OCR engine
type Extraction struct {
	Success    bool
	Text       string
	Fields     map[string]string // Key/value pairs the engine recognised, may be empty
	Confidence float64
	PageCount  int
	Engine     string
	Error      string
}
