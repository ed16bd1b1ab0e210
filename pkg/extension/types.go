package extension

// ValidationResult is the outcome of manifest validation. Errors block
// loading; warnings are advisory and surface to the caller unchanged.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// LoadResult is returned by every load/unload entry point instead of an
// error, so callers always see the full error/warning breakdown.
type LoadResult struct {
	Success     bool     `json:"success"`
	ExtensionID string   `json:"extensionId,omitempty"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
}

// Media is a single media entry returned by provider extensions.
type Media struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	AltTitles    []string `json:"altTitles,omitempty"`
	CoverURL     string   `json:"coverUrl,omitempty"`
	BannerURL    string   `json:"bannerUrl,omitempty"`
	Description  string   `json:"description,omitempty"`
	EpisodeCount int      `json:"episodeCount,omitempty"`
	Year         int      `json:"year,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Status       string   `json:"status,omitempty"`
	MediaType    string   `json:"mediaType,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	IsAiring     bool     `json:"isAiring,omitempty"`
}

// MediaList is a paged list of media entries.
type MediaList struct {
	Items        []Media `json:"items"`
	HasNextPage  bool    `json:"hasNextPage"`
	CurrentPage  int     `json:"currentPage"`
	TotalResults int     `json:"totalResults,omitempty"`
}

// Episode describes one episode of a media entry.
type Episode struct {
	ID           string `json:"id"`
	Number       int    `json:"number"`
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Description  string `json:"description,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	AirDate      string `json:"airDate,omitempty"`
	IsFiller     bool   `json:"isFiller,omitempty"`
}

// EpisodeList is a paged list of episodes.
type EpisodeList struct {
	Items         []Episode `json:"items"`
	HasNextPage   bool      `json:"hasNextPage"`
	CurrentPage   int       `json:"currentPage"`
	TotalEpisodes int       `json:"totalEpisodes"`
}

// StreamSource is a playable stream resolved by a stream provider.
type StreamSource struct {
	URL       string            `json:"url"`
	Quality   string            `json:"quality"`
	Server    string            `json:"server,omitempty"`
	Format    string            `json:"format"`
	IsDefault bool              `json:"isDefault,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// StreamSourceList wraps the sources for one episode.
type StreamSourceList struct {
	Items []StreamSource `json:"items"`
}

// HosterInfo describes a stream hoster an extractor supports.
type HosterInfo struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
}
