package common

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/service"
)

// Credentials of a CDSE account. They are never persisted.
type Credentials struct {
	Username string
	Password string
}

// Validate returns a ConfigurationError if a field is empty
func (c Credentials) Validate() error {
	if c.Username == "" {
		return &service.ConfigurationError{Field: "username"}
	}
	if c.Password == "" {
		return &service.ConfigurationError{Field: "password"}
	}
	return nil
}

// SearchCriteria of a product search. All fields are required.
type SearchCriteria struct {
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	Collection    string    `json:"collection"`   // e.g. SENTINEL-2
	Footprint     string    `json:"footprint"`    // WKT polygon (SRID 4326)
	MaxCloudCover float64   `json:"cloud_cover"`  // Strict ceiling, in percent
	ProductType   string    `json:"product_type"` // Substring of the product name (e.g. MSIL1C)
}

// Validate returns a ConfigurationError naming the first missing field
func (c SearchCriteria) Validate() error {
	switch {
	case c.StartDate.IsZero():
		return &service.ConfigurationError{Field: "start date"}
	case c.EndDate.IsZero():
		return &service.ConfigurationError{Field: "end date"}
	case !day(c.EndDate).After(day(c.StartDate)):
		// The catalog is queried by whole days
		return &service.ConfigurationError{Field: "end date", Reason: "must be a day after start date"}
	case strings.TrimSpace(c.Collection) == "":
		return &service.ConfigurationError{Field: "collection"}
	case strings.TrimSpace(c.Footprint) == "":
		return &service.ConfigurationError{Field: "footprint"}
	case c.MaxCloudCover <= 0:
		return &service.ConfigurationError{Field: "cloud cover", Reason: "must be strictly positive"}
	case strings.TrimSpace(c.ProductType) == "":
		return &service.ConfigurationError{Field: "product type"}
	}
	return nil
}

// day returns the date at 00:00 UTC
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Filter is a catalog query, ready to be sent
type Filter struct {
	Expression string `json:"filter"`
	OrderBy    string `json:"orderby"`
}

// Checksum of a product archive
type Checksum struct {
	Algorithm string `json:"Algorithm"`
	Value     string `json:"Value"`
}

// ContentDate is the acquisition period of a product
type ContentDate struct {
	Start time.Time `json:"Start"`
	End   time.Time `json:"End"`
}

// Product is a record of the catalog. It is not modified after creation.
type Product struct {
	ID            string            `json:"Id"`
	Name          string            `json:"Name"`
	Online        bool              `json:"Online"`
	ContentLength int64             `json:"ContentLength"`
	ContentDate   ContentDate       `json:"ContentDate"`
	Checksums     []Checksum        `json:"Checksum,omitempty"`
	Footprint     string            `json:"Footprint,omitempty"` // WKT
	Attributes    map[string]string `json:"Attributes,omitempty"`
	// Metadata contains the other fields returned by the catalog
	Metadata map[string]json.RawMessage `json:"Metadata,omitempty"`
}

// Checksum returns the value of the checksum computed with the algorithm (case insensitive)
func (p Product) Checksum(algorithm string) (string, bool) {
	for _, c := range p.Checksums {
		if strings.EqualFold(c.Algorithm, algorithm) && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// DownloadResult describes a product successfully written to disk
type DownloadResult struct {
	ProductID string        `json:"product_id"`
	Path      string        `json:"path"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}

// Rate returns the average transfer rate in bytes per second
func (r DownloadResult) Rate() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

// Result is the outcome of the processing of one product during a run
type Result struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Path      string `json:"path,omitempty"`
	URI       string `json:"uri,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}
