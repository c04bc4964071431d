package model

import "time"

// ReportSection is one titled block of a research report.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is a completed deep-research report.
type Report struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Category            string          `json:"category"`
	StudyType           StudyType       `json:"studyType"`
	PublishedDate       time.Time       `json:"publishedDate"`
	Author              string          `json:"author,omitempty"`
	Summary             string          `json:"summary"`
	Sections            []ReportSection `json:"sections"`
	Sources             []Source        `json:"sources"`
	Citations           int             `json:"citations"`
	CreditsUsed         int             `json:"creditsUsed"`
	TotalProcessingTime string          `json:"totalProcessingTime"`
	PDFURL              string          `json:"pdfUrl,omitempty"`
}
