package models

// AudiobookshelfLibrary represents a library in Audiobookshelf
type AudiobookshelfLibrary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// AudiobookshelfBook represents a library item from the Audiobookshelf API
type AudiobookshelfBook struct {
	ID        string `json:"id"`
	LibraryID string `json:"libraryId"`
	MediaType string `json:"mediaType"`
	Media     struct {
		ID       string `json:"id"`
		Metadata struct {
			Title         string `json:"title"`
			Subtitle      string `json:"subtitle"`
			AuthorName    string `json:"authorName"`
			NarratorName  string `json:"narratorName"`
			PublishedYear string `json:"publishedYear"`
			Publisher     string `json:"publisher"`
			ISBN          string `json:"isbn"`
			ASIN          string `json:"asin"`
			Language      string `json:"language"`
		} `json:"metadata"`
		Duration float64 `json:"duration"`
		NumPages int     `json:"numPages"`
	} `json:"media"`
	Progress struct {
		ProgressPercentage float64 `json:"progressPercentage"`
		CurrentTime        float64 `json:"currentTime"`
		CurrentPage        int     `json:"currentPage"`
		IsFinished         bool    `json:"isFinished"`
		LastListenedAt     int64   `json:"lastUpdate"`
		StartedAt          int64   `json:"startedAt"`
		FinishedAt         int64   `json:"finishedAt"`
	} `json:"progress,omitempty"`
}

// Title returns the item title, falling back when metadata is missing
func (b *AudiobookshelfBook) Title() string {
	if b.Media.Metadata.Title == "" {
		return "Unknown Title"
	}
	return b.Media.Metadata.Title
}

// Author returns the item author, falling back when metadata is missing
func (b *AudiobookshelfBook) Author() string {
	if b.Media.Metadata.AuthorName == "" {
		return "Unknown Author"
	}
	return b.Media.Metadata.AuthorName
}

// IsAudiobook reports whether the item is time-based media
func (b *AudiobookshelfBook) IsAudiobook() bool {
	return b.Media.Duration > 0
}

// AudiobookshelfLibraryResponse is one page of library items
type AudiobookshelfLibraryResponse struct {
	Results []AudiobookshelfBook `json:"results"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Page    int                  `json:"page"`
}
