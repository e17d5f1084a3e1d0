package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/interface/messaging"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenProvider delivers the bearer token used to download the products
type TokenProvider interface {
	Authorize(ctx context.Context, credentials common.Credentials) (string, error)
}

// CatalogClient searches the products matching some criteria
type CatalogClient interface {
	BuildFilter(criteria common.SearchCriteria) (common.Filter, error)
	Search(ctx context.Context, filter common.Filter) ([]common.Product, error)
}

// ImageDownloader downloads a product into a local directory
type ImageDownloader interface {
	Download(ctx context.Context, token string, product common.Product, localDir, fileName string) (common.DownloadResult, error)
}

// Options of a run
type Options struct {
	// OnlineOnly skips the products that are not immediately available
	OnlineOnly bool
	// FailFast stops the run at the first product failure
	FailFast bool
	// MaxTries of a download in case of temporary failure
	MaxTries   int
	RetryDelay time.Duration
	// NameTemplate of the archives (see common.ProductFileName)
	NameTemplate string
	// Storage where the archives are exported (optional)
	Storage service.Storage
	// Publisher of the result of each product (optional)
	Publisher messaging.Publisher
	// Metrics updated after each product (optional)
	Metrics *Metrics
}

// Report of a run
type Report struct {
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Filter    common.Filter   `json:"filter"`
	Results   []common.Result `json:"results"`

	errs []error
}

// Count returns the number of products with the given status
func (r Report) Count(status common.Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Err merges the errors of the failed products (nil if none failed)
func (r Report) Err() error {
	return service.MergeErrors(true, nil, r.errs...)
}

// Downloader searches the catalog and downloads the matching products, one after the other
type Downloader struct {
	tokens  TokenProvider
	catalog CatalogClient
	images  ImageDownloader
	opts    Options
}

// New creates a Downloader
func New(tokens TokenProvider, catalog CatalogClient, images ImageDownloader, opts Options) *Downloader {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 1
	}
	if opts.NameTemplate == "" {
		opts.NameTemplate = common.DefaultNameTemplate
	}
	return &Downloader{tokens: tokens, catalog: catalog, images: images, opts: opts}
}

// Execute authorizes, searches the catalog and downloads every product found into dir.
// An error is returned if the authorization or the search fail. The failure of a product
// is recorded in the report and the run goes on, unless FailFast is set.
func (d *Downloader) Execute(ctx context.Context, criteria common.SearchCriteria, credentials common.Credentials, dir string) (report Report, err error) {
	report = Report{RunID: uuid.New().String(), StartedAt: time.Now().UTC()}
	ctx = log.With(ctx, "run", report.RunID)
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	token, err := d.tokens.Authorize(ctx, credentials)
	if err != nil {
		return report, fmt.Errorf("Execute.%w", err)
	}

	if report.Filter, err = d.catalog.BuildFilter(criteria); err != nil {
		return report, fmt.Errorf("Execute.%w", err)
	}
	log.Logger(ctx).Debug("catalog query", zap.String("filter", report.Filter.Expression))

	products, err := d.catalog.Search(ctx, report.Filter)
	if err != nil {
		return report, fmt.Errorf("Execute.%w", err)
	}
	log.Logger(ctx).Sugar().Infof("%d product(s) found", len(products))

	names := service.StringSet{}
	for i, product := range products {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("Execute: %w", err)
		}
		pctx := log.With(ctx, "product", product.Name)
		log.Logger(pctx).Sugar().Infof("product %d/%d", i+1, len(products))

		result, dl, err := d.processProduct(pctx, &token, credentials, product, dir, uniqueName(names, d.opts.NameTemplate, product))
		report.Results = append(report.Results, result)
		d.opts.Metrics.observe(result, dl)
		d.publish(pctx, result)

		if err != nil {
			log.Logger(pctx).Warn("product failed", zap.Error(err))
			report.errs = append(report.errs, fmt.Errorf("%s: %w", product.ID, err))
			if d.opts.FailFast {
				return report, fmt.Errorf("Execute.%w", err)
			}
		}
	}

	log.Logger(ctx).Sugar().Infof("run done: %d downloaded, %d skipped, %d failed",
		report.Count(common.StatusDONE), report.Count(common.StatusSKIPPED), report.Count(common.StatusFAILED))
	return report, nil
}

func (d *Downloader) processProduct(ctx context.Context, token *string, credentials common.Credentials, product common.Product, dir, fileName string) (common.Result, common.DownloadResult, error) {
	result := common.Result{ProductID: product.ID, Name: product.Name, Status: common.StatusPENDING}

	if d.opts.OnlineOnly && !product.Online {
		log.Logger(ctx).Info("product is offline: skipped")
		result.Status = common.StatusSKIPPED
		result.Message = "product is offline"
		return result, common.DownloadResult{}, nil
	}

	var dl common.DownloadResult
	refreshed := false
	err := service.Retriable(ctx, func() error {
		var err error
		if dl, err = d.images.Download(ctx, *token, product, dir, fileName); err == nil {
			return nil
		}
		// The token may have expired during a long run
		var derr *service.DownloadError
		if !refreshed && errors.As(err, &derr) && derr.StatusCode == http.StatusUnauthorized {
			refreshed = true
			log.Logger(ctx).Info("download unauthorized: refreshing token")
			t, e := d.tokens.Authorize(ctx, credentials)
			if e != nil {
				return service.MakeFatal(service.MergeErrors(true, err, e))
			}
			*token = t
			if dl, err = d.images.Download(ctx, *token, product, dir, fileName); err == nil {
				return nil
			}
		}
		if !service.Temporary(err) {
			return service.MakeFatal(err)
		}
		log.Logger(ctx).Warn("download temporary failure", zap.Error(err))
		return err
	}, d.opts.RetryDelay, d.opts.MaxTries)
	if err != nil {
		result.Status = common.StatusFAILED
		result.Message = err.Error()
		return result, dl, err
	}
	result.Path = dl.Path
	result.Bytes = dl.Bytes

	if d.opts.Storage != nil {
		if result.URI, err = d.opts.Storage.SaveFile(ctx, dl.Path); err != nil {
			result.Status = common.StatusFAILED
			result.Message = err.Error()
			return result, dl, fmt.Errorf("export: %w", err)
		}
		log.Logger(ctx).Sugar().Infof("exported to %s", result.URI)
	}

	result.Status = common.StatusDONE
	return result, dl, nil
}

// publish the result of the product. A failure is only logged.
func (d *Downloader) publish(ctx context.Context, result common.Result) {
	if d.opts.Publisher == nil {
		return
	}
	resb, err := json.Marshal(result)
	if err == nil {
		err = d.opts.Publisher.Publish(ctx, resb)
	}
	if err != nil {
		log.Logger(ctx).Warn("failed to publish result", zap.Error(err))
	}
}

// uniqueName returns the file name of the product, using its id if the name is already taken during this run
func uniqueName(names service.StringSet, template string, product common.Product) string {
	name := common.ProductFileName(template, product)
	if names.Exists(name) {
		name = product.ID
		for i := 1; names.Exists(name); i++ {
			name = fmt.Sprintf("%s_%d", product.ID, i)
		}
	}
	names.Push(name)
	return name
}
