package copernicus

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
)

const (
	// OrderByAcquisition sorts the products by ascending acquisition start time
	OrderByAcquisition = "ContentDate/Start"

	dayFormat = "2006-01-02"
)

var clauses = map[string]string{
	"collection":  "Collection/Name eq '%s'",
	"footprint":   "OData.CSC.Intersects(area=geography'SRID=4326;%s')",
	"startdate":   "ContentDate/Start gt %s",
	"enddate":     "ContentDate/Start lt %s",
	"cloudcover":  "Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value lt %s)",
	"producttype": "contains(Name,'%s')",
}

// BuildFilter returns the OData filter matching the criteria.
// The footprint and the cloud cover are not checked: the catalog rejects malformed values.
func BuildFilter(criteria common.SearchCriteria) (common.Filter, error) {
	if err := criteria.Validate(); err != nil {
		return common.Filter{}, fmt.Errorf("BuildFilter: %w", err)
	}

	// Footprints copied from queries sometimes keep the closing quote
	footprint := strings.TrimSuffix(strings.TrimSpace(criteria.Footprint), "'")

	parameters := []string{
		fmt.Sprintf(clauses["collection"], criteria.Collection),
		fmt.Sprintf(clauses["footprint"], footprint),
		fmt.Sprintf(clauses["startdate"], midnight(criteria.StartDate)),
		fmt.Sprintf(clauses["enddate"], midnight(criteria.EndDate)),
		fmt.Sprintf(clauses["cloudcover"], strconv.FormatFloat(criteria.MaxCloudCover, 'f', -1, 64)),
		fmt.Sprintf(clauses["producttype"], strings.Trim(criteria.ProductType, "*")),
	}

	return common.Filter{
		Expression: strings.Join(parameters, " and "),
		OrderBy:    OrderByAcquisition,
	}, nil
}

// FilterValues returns the query parameters of the filter.
// top is the size of a page (ignored if zero).
func FilterValues(filter common.Filter, top int) url.Values {
	values := url.Values{}
	values.Set("$filter", filter.Expression)
	if filter.OrderBy != "" {
		values.Set("$orderby", filter.OrderBy)
	}
	if top > 0 {
		values.Set("$top", strconv.Itoa(top))
	}
	return values
}

// midnight formats the day of the date at 00:00 UTC
func midnight(t time.Time) string {
	return t.UTC().Format(dayFormat) + "T00:00:00.000Z"
}
