package copernicus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/service"
)

func testProvider(url string) *Provider {
	return &Provider{
		BaseURL:    url,
		HTTPClient: http.DefaultClient,
		Limit:      2,
		RetryDelay: time.Millisecond,
	}
}

func testFilter(t *testing.T) common.Filter {
	filter, err := BuildFilter(testCriteria())
	if err != nil {
		t.Fatal(err)
	}
	return filter
}

func TestSearch(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Products" {
			http.NotFound(w, r)
			return
		}
		query.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": [{"Id":"p1","Name":"n1","Online":true}]}`)
	}))
	defer srv.Close()

	filter := testFilter(t)
	products, err := testProvider(srv.URL).Search(context.Background(), filter)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
	if products[0].ID != "p1" || products[0].Name != "n1" || !products[0].Online {
		t.Errorf("unexpected product: %+v", products[0])
	}

	q := query.Load().(url.Values)
	if q.Get("$filter") != filter.Expression {
		t.Errorf("wrong $filter: %s", q.Get("$filter"))
	}
	if q.Get("$orderby") != "ContentDate/Start" {
		t.Errorf("wrong $orderby: %s", q.Get("$orderby"))
	}
	if q.Get("$expand") != "Attributes" {
		t.Errorf("wrong $expand: %s", q.Get("$expand"))
	}
}

func TestSearchPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("$skip") {
		case "":
			fmt.Fprintf(w, `{"value": [{"Id":"p1","Name":"n1","Online":true},{"Id":"p2","Name":"n2","Online":false}],
				"@odata.nextLink": "%s/Products?$skip=2"}`, srv.URL)
		case "2":
			fmt.Fprint(w, `{"value": [{"Id":"p3","Name":"n3","Online":true}]}`)
		default:
			http.Error(w, "unexpected page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	products, err := p.Search(context.Background(), testFilter(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 3 {
		t.Fatalf("expected 3 products, got %d", len(products))
	}
	for i, id := range []string{"p1", "p2", "p3"} {
		if products[i].ID != id {
			t.Errorf("expected %s at position %d, got %s", id, i, products[i].ID)
		}
	}
	// Offline products are returned too
	if products[1].Online {
		t.Errorf("p2 must be offline")
	}

	// Cap
	p.MaxResults = 2
	if products, err = p.Search(context.Background(), testFilter(t)); err != nil {
		t.Fatal(err)
	}
	if len(products) != 2 {
		t.Errorf("expected 2 products, got %d", len(products))
	}
}

func TestSearchPaginationLoop(t *testing.T) {
	var calls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("$skip") {
		case "":
			fmt.Fprintf(w, `{"value": [{"Id":"p1","Name":"n1","Online":true}], "@odata.nextLink": "%s/Products?$skip=1"}`, srv.URL)
		default:
			// Always the same link
			fmt.Fprintf(w, `{"value": [{"Id":"p2","Name":"n2","Online":true}], "@odata.nextLink": "%s/Products?$skip=1"}`, srv.URL)
		}
	}))
	defer srv.Close()

	products, err := testProvider(srv.URL).Search(context.Background(), testFilter(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 2 || products[1].ID != "p2" {
		t.Errorf("expected p1 and p2, got %+v", products)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestSearchEmptyPage(t *testing.T) {
	var calls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"value": [], "@odata.nextLink": "%s/Products?$skip=%d"}`, srv.URL, n)
	}))
	defer srv.Close()

	products, err := testProvider(srv.URL).Search(context.Background(), testFilter(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 0 {
		t.Errorf("expected no product, got %+v", products)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestSearchMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value": [{
			"@odata.mediaContentType": "application/octet-stream",
			"Id": "5d6a1b8e-0f0c-4a5b-9c2a-0d9a1b2c3d4e",
			"Name": "S2A_MSIL1C_20230805T053641_N0509_R005_T43TGJ_20230805T073417.SAFE",
			"ContentType": "application/octet-stream",
			"ContentLength": 812345678,
			"Online": true,
			"ContentDate": {"Start": "2023-08-05T05:36:41.024Z", "End": "2023-08-05T05:36:41.024Z"},
			"Checksum": [{"Value": "0123456789abcdef0123456789abcdef", "Algorithm": "MD5"}],
			"Footprint": "geography'SRID=4326;POLYGON ((77 42, 78 42, 78 43, 77 42))'",
			"GeoFootprint": {"type": "Polygon", "coordinates": [[[77, 42], [78, 42], [78, 43], [77, 42]]]},
			"Attributes": [{"Name": "cloudCover", "Value": 12.5, "ValueType": "Double"}, {"Name": "tileId", "Value": "43TGJ", "ValueType": "String"}]
		}]}`)
	}))
	defer srv.Close()

	products, err := testProvider(srv.URL).Search(context.Background(), testFilter(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
	p := products[0]
	if p.ContentLength != 812345678 {
		t.Errorf("wrong content length: %d", p.ContentLength)
	}
	if !p.ContentDate.Start.Equal(time.Date(2023, 8, 5, 5, 36, 41, 24000000, time.UTC)) {
		t.Errorf("wrong content date: %v", p.ContentDate.Start)
	}
	if sum, ok := p.Checksum("md5"); !ok || sum != "0123456789abcdef0123456789abcdef" {
		t.Errorf("wrong checksum: %s", sum)
	}
	if !strings.HasPrefix(p.Footprint, "POLYGON") {
		t.Errorf("wrong footprint: %s", p.Footprint)
	}
	if p.Attributes["cloudCover"] != "12.5" || p.Attributes["tileId"] != "43TGJ" {
		t.Errorf("wrong attributes: %v", p.Attributes)
	}
	if _, ok := p.Metadata["ContentType"]; !ok {
		t.Errorf("ContentType must be kept in metadata: %v", p.Metadata)
	}
	if _, ok := p.Metadata["Id"]; ok {
		t.Errorf("Id must not be duplicated in metadata")
	}
}

func TestSearchBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail": "Invalid filter"}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	p.Retries = 3
	_, err := p.Search(context.Background(), testFilter(t))
	var qerr *service.CatalogQueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected a CatalogQueryError, got %v", err)
	}
	if qerr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", qerr.StatusCode)
	}
	if !strings.Contains(qerr.Body, "Invalid filter") {
		t.Errorf("body must be reported: %s", qerr.Body)
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried: %d calls", calls)
	}
}

func TestSearchRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"value": []}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	p.Retries = 2
	products, err := p.Search(context.Background(), testFilter(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 0 {
		t.Errorf("expected no product, got %d", len(products))
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestSearchMalformed(t *testing.T) {
	for _, body := range []string{`{"value": [`, `{"products": []}`, `{"value": [{"Name": "no id"}]}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		_, err := testProvider(srv.URL).Search(context.Background(), testFilter(t))
		var qerr *service.CatalogQueryError
		if !errors.As(err, &qerr) {
			t.Errorf("%s: expected a CatalogQueryError, got %v", body, err)
		}
		srv.Close()
	}
}
