package types

import (
	"net/http"
	"time"
)

// Page is one fetched HTTP exchange as the crawler hands it around.
type Page struct {
	URL             string
	FinalURL        string
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}
