package copernicus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
)

const (
	CopernicusPageLimit  = 100
	CopernicusCatalogURL = "https://catalogue.dataspace.copernicus.eu/odata/v1"
)

// Provider searches products in the Copernicus Data Space OData catalog
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client
	// Limit is the number of products requested per page
	Limit int
	// MaxResults caps the number of returned products (0: all of them)
	MaxResults int
	// Retries of a page request in case of temporary failure
	Retries    int
	RetryDelay time.Duration
}

// NewProvider creates a catalog client on the default CDSE catalog
func NewProvider(httpClient *http.Client) *Provider {
	return &Provider{
		BaseURL:    CopernicusCatalogURL,
		HTTPClient: httpClient,
		Limit:      CopernicusPageLimit,
		Retries:    3,
		RetryDelay: time.Second,
	}
}

// BuildFilter builds the OData filter of the criteria
func (s *Provider) BuildFilter(criteria common.SearchCriteria) (common.Filter, error) {
	return BuildFilter(criteria)
}

// Search returns all the products matching the filter, following the pagination of the catalog.
// Offline products are returned too.
func (s *Provider) Search(ctx context.Context, filter common.Filter) ([]common.Product, error) {
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimSuffix(s.BaseURL, "/") + "/Products"
	values := FilterValues(filter, s.Limit)
	values.Set("$expand", "Attributes")
	url := endpoint + "?" + values.Encode()

	var products []common.Product
	visited := service.StringSet{}
	for page := 1; url != ""; page++ {
		log.Logger(ctx).Sugar().Debugf("[Copernicus] Search page %d", page)
		visited.Push(url)
		body, err := service.GetBodyRetry(ctx, client, url, s.Retries, s.RetryDelay)
		if err != nil {
			var serr *service.StatusError
			if errors.As(err, &serr) {
				return nil, &service.CatalogQueryError{Endpoint: endpoint, StatusCode: serr.StatusCode, Body: string(serr.Body)}
			}
			return nil, &service.CatalogQueryError{Endpoint: endpoint, Err: err}
		}

		results := struct {
			Next string             `json:"@odata.nextLink"`
			Hits *[]json.RawMessage `json:"value"`
		}{}
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, &service.CatalogQueryError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: string(body), Err: err}
		}
		if results.Hits == nil {
			return nil, &service.CatalogQueryError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: string(body), Err: fmt.Errorf("missing value array")}
		}

		for _, raw := range *results.Hits {
			product, err := parseProduct(raw)
			if err != nil {
				return nil, &service.CatalogQueryError{Endpoint: endpoint, StatusCode: http.StatusOK, Body: string(raw), Err: err}
			}
			products = append(products, product)
			if s.MaxResults > 0 && len(products) == s.MaxResults {
				return products, nil
			}
		}

		// An empty page or a link already followed ends the pagination
		if len(*results.Hits) == 0 {
			break
		}
		if visited.Exists(results.Next) {
			log.Logger(ctx).Sugar().Warnf("[Copernicus] Search page %d links to an already visited page: pagination stopped", page)
			break
		}
		url = results.Next
	}

	return products, nil
}

type hit struct {
	Uuid          string             `json:"Id"`
	Identifier    string             `json:"Name"`
	Online        bool               `json:"Online"`
	ContentLength int64              `json:"ContentLength"`
	ContentDate   common.ContentDate `json:"ContentDate"`
	Checksum      []common.Checksum  `json:"Checksum"`
	Footprint     string             `json:"Footprint"`
	GeoFootprint  json.RawMessage    `json:"GeoFootprint"`
	Attributes    []struct {
		Name      string      `json:"Name"`
		Value     interface{} `json:"Value"`
		ValueType string      `json:"ValueType"`
	} `json:"Attributes"`
}

var hitFields = []string{"Id", "Name", "Online", "ContentLength", "ContentDate", "Checksum", "Footprint", "GeoFootprint", "Attributes"}

func parseProduct(raw json.RawMessage) (common.Product, error) {
	var h hit
	if err := json.Unmarshal(raw, &h); err != nil {
		return common.Product{}, fmt.Errorf("parseProduct: %w", err)
	}
	if h.Uuid == "" {
		return common.Product{}, fmt.Errorf("parseProduct: missing Id")
	}

	metadata := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return common.Product{}, fmt.Errorf("parseProduct.Metadata: %w", err)
	}
	for _, f := range hitFields {
		delete(metadata, f)
	}

	product := common.Product{
		ID:            h.Uuid,
		Name:          h.Identifier,
		Online:        h.Online,
		ContentLength: h.ContentLength,
		ContentDate:   h.ContentDate,
		Checksums:     h.Checksum,
		Footprint:     footprintWKT(h),
		Metadata:      metadata,
	}
	if len(h.Attributes) > 0 {
		product.Attributes = map[string]string{}
		for _, attr := range h.Attributes {
			product.Attributes[attr.Name] = fmt.Sprintf("%v", attr.Value)
		}
	}
	return product, nil
}

// footprintWKT returns the footprint of the product as WKT, from the GeoFootprint (geojson) if available
func footprintWKT(h hit) string {
	if len(h.GeoFootprint) > 0 && string(h.GeoFootprint) != "null" {
		if footprint, err := service.GeoJSONToWKT(h.GeoFootprint); err == nil {
			return footprint
		}
	}
	// geography'SRID=4326;POLYGON ((...))'
	footprint := strings.TrimSuffix(strings.TrimPrefix(h.Footprint, "geography'"), "'")
	if i := strings.Index(footprint, ";"); i >= 0 {
		footprint = footprint[i+1:]
	}
	return footprint
}
