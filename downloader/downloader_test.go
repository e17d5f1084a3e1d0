package downloader_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/downloader"
	"github.com/airbusgeo/sentinel2-downloader/interface/messaging"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Downloader", func() {
	var (
		ctx         = context.Background()
		credentials = common.Credentials{Username: "user", Password: "secret"}
		criteria    = common.SearchCriteria{
			StartDate:     time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC),
			EndDate:       time.Date(2023, 8, 30, 0, 0, 0, 0, time.UTC),
			Collection:    "SENTINEL-2",
			Footprint:     "POLYGON((77 42, 78 42, 78 43, 77 43, 77 42))",
			MaxCloudCover: 20,
			ProductType:   "MSIL1C",
		}
		dir = "/tmp/products"

		tokens    *MockTokenProvider
		catalog   *MockCatalog
		images    *MockImageDownloader
		storage   *MockStorage
		publisher *messaging.MemoryPublisher
		opts      downloader.Options

		report downloader.Report
		err    error
	)

	BeforeEach(func() {
		tokens = &MockTokenProvider{tokens: []string{"T"}}
		catalog = &MockCatalog{products: []common.Product{
			{ID: "p1", Name: "n1", Online: true},
			{ID: "p2", Name: "n2", Online: true},
			{ID: "p3", Name: "n3", Online: true},
		}}
		images = &MockImageDownloader{errs: map[string][]error{}}
		storage = &MockStorage{}
		publisher = &messaging.MemoryPublisher{}
		opts = downloader.Options{MaxTries: 3, RetryDelay: time.Millisecond}
	})

	JustBeforeEach(func() {
		report, err = downloader.New(tokens, catalog, images, opts).Execute(ctx, criteria, credentials, dir)
	})

	Context("when everything goes well", func() {
		It("should download every product in catalog order", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Err()).NotTo(HaveOccurred())
			Expect(report.RunID).NotTo(BeEmpty())
			Expect(tokens.calls).To(Equal(1))
			Expect(catalog.searched).To(HaveLen(1))
			Expect(catalog.searched[0].Expression).To(ContainSubstring("MSIL1C"))
			Expect(images.downloads).To(Equal([]download{{"T", "p1", "n1"}, {"T", "p2", "n2"}, {"T", "p3", "n3"}}))
			Expect(report.Results).To(HaveLen(3))
			for i, res := range report.Results {
				Expect(res.ProductID).To(Equal(fmt.Sprintf("p%d", i+1)))
				Expect(res.Status).To(Equal(common.StatusDONE))
				Expect(res.Path).To(Equal(fmt.Sprintf("/tmp/products/n%d.zip", i+1)))
				Expect(res.Bytes).To(Equal(int64(3)))
			}
			Expect(report.Count(common.StatusDONE)).To(Equal(3))
		})
	})

	Context("when the authorization fails", func() {
		BeforeEach(func() {
			tokens.err = &service.AuthenticationError{Endpoint: "token", StatusCode: http.StatusUnauthorized}
		})
		It("should stop before searching", func() {
			var aerr *service.AuthenticationError
			Expect(errors.As(err, &aerr)).To(BeTrue())
			Expect(catalog.searched).To(BeEmpty())
			Expect(images.downloads).To(BeEmpty())
		})
	})

	Context("when the criteria are invalid", func() {
		BeforeEach(func() {
			catalog.filterErr = &service.ConfigurationError{Field: "footprint"}
		})
		It("should stop before searching", func() {
			var cerr *service.ConfigurationError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(catalog.searched).To(BeEmpty())
		})
	})

	Context("when the search fails", func() {
		BeforeEach(func() {
			catalog.searchErr = &service.CatalogQueryError{Endpoint: "catalog", StatusCode: http.StatusBadRequest}
		})
		It("should return a CatalogQueryError", func() {
			var qerr *service.CatalogQueryError
			Expect(errors.As(err, &qerr)).To(BeTrue())
			Expect(images.downloads).To(BeEmpty())
		})
	})

	Context("when the search returns no product", func() {
		BeforeEach(func() {
			catalog.products = nil
		})
		It("should succeed without download", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Results).To(BeEmpty())
			Expect(images.downloads).To(BeEmpty())
		})
	})

	Context("when a product fails", func() {
		BeforeEach(func() {
			images.errs["p2"] = []error{downloadError("p2", http.StatusNotFound)}
		})
		It("should go on with the next products", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(images.downloads).To(HaveLen(3))
			Expect(report.Results[0].Status).To(Equal(common.StatusDONE))
			Expect(report.Results[1].Status).To(Equal(common.StatusFAILED))
			Expect(report.Results[1].Message).To(ContainSubstring("404"))
			Expect(report.Results[2].Status).To(Equal(common.StatusDONE))

			var derr *service.DownloadError
			Expect(errors.As(report.Err(), &derr)).To(BeTrue())
			Expect(derr.ProductID).To(Equal("p2"))
		})

		Context("with FailFast", func() {
			BeforeEach(func() {
				opts.FailFast = true
			})
			It("should stop the run", func() {
				Expect(err).To(HaveOccurred())
				Expect(images.downloads).To(HaveLen(2))
				Expect(report.Results).To(HaveLen(2))
			})
		})
	})

	Context("when a download fails temporarily", func() {
		BeforeEach(func() {
			images.errs["p1"] = []error{downloadError("p1", http.StatusServiceUnavailable), downloadError("p1", http.StatusBadGateway)}
		})
		It("should retry", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(images.downloads).To(HaveLen(5))
			Expect(report.Results[0].Status).To(Equal(common.StatusDONE))
		})

		Context("more than MaxTries", func() {
			BeforeEach(func() {
				opts.MaxTries = 2
			})
			It("should give up", func() {
				Expect(report.Results[0].Status).To(Equal(common.StatusFAILED))
				Expect(images.downloads).To(HaveLen(4))
				Expect(report.Err()).To(HaveOccurred())
			})
		})
	})

	Context("when the token expires", func() {
		BeforeEach(func() {
			tokens.tokens = []string{"T", "T2"}
			images.errs["p2"] = []error{downloadError("p2", http.StatusUnauthorized)}
		})
		It("should refresh it once", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(tokens.calls).To(Equal(2))
			Expect(images.downloads).To(Equal([]download{{"T", "p1", "n1"}, {"T", "p2", "n2"}, {"T2", "p2", "n2"}, {"T2", "p3", "n3"}}))
			Expect(report.Count(common.StatusDONE)).To(Equal(3))
		})
	})

	Context("when products are offline", func() {
		BeforeEach(func() {
			catalog.products[1].Online = false
		})
		It("should download them by default", func() {
			Expect(images.downloads).To(HaveLen(3))
		})

		Context("with OnlineOnly", func() {
			BeforeEach(func() {
				opts.OnlineOnly = true
			})
			It("should skip them", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(images.downloads).To(HaveLen(2))
				Expect(report.Results[1].Status).To(Equal(common.StatusSKIPPED))
				Expect(report.Err()).NotTo(HaveOccurred())
			})
		})
	})

	Context("when two products have the same name", func() {
		BeforeEach(func() {
			catalog.products[1].Name = "n1"
		})
		It("should use the product id", func() {
			Expect(images.downloads[0].fileName).To(Equal("n1"))
			Expect(images.downloads[1].fileName).To(Equal("p2"))
		})
	})

	Context("with a storage", func() {
		BeforeEach(func() {
			opts.Storage = storage
		})
		It("should export the archives", func() {
			Expect(storage.saved).To(Equal([]string{"/tmp/products/n1.zip", "/tmp/products/n2.zip", "/tmp/products/n3.zip"}))
			Expect(report.Results[0].URI).To(Equal("mock://n1.zip"))
		})

		Context("failing", func() {
			BeforeEach(func() {
				storage.err = fmt.Errorf("bucket not found")
			})
			It("should mark the products as failed", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Count(common.StatusFAILED)).To(Equal(3))
				Expect(report.Err()).To(MatchError(ContainSubstring("bucket not found")))
			})
		})
	})

	Context("with a publisher", func() {
		BeforeEach(func() {
			opts.Publisher = publisher
			images.errs["p3"] = []error{downloadError("p3", http.StatusNotFound)}
		})
		It("should publish a result per product", func() {
			messages := publisher.Messages()
			Expect(messages).To(HaveLen(3))
			var res common.Result
			Expect(json.Unmarshal(messages[2], &res)).To(Succeed())
			Expect(res.ProductID).To(Equal("p3"))
			Expect(res.Status).To(Equal(common.StatusFAILED))
		})
	})

	Context("with metrics", func() {
		var metrics *downloader.Metrics
		BeforeEach(func() {
			metrics = downloader.NewMetrics()
			opts.Metrics = metrics
			catalog.products[0].Online = false
			opts.OnlineOnly = true
			images.errs["p3"] = []error{downloadError("p3", http.StatusNotFound)}
		})
		It("should count the products and the bytes", func() {
			Expect(testutil.ToFloat64(metrics.ProductsCounter(common.StatusSKIPPED))).To(Equal(1.0))
			Expect(testutil.ToFloat64(metrics.ProductsCounter(common.StatusDONE))).To(Equal(1.0))
			Expect(testutil.ToFloat64(metrics.ProductsCounter(common.StatusFAILED))).To(Equal(1.0))
			Expect(testutil.ToFloat64(metrics.BytesCounter())).To(Equal(3.0))
			families, err := metrics.Registry().Gather()
			Expect(err).NotTo(HaveOccurred())
			Expect(families).To(HaveLen(3))
		})
	})

	Context("when the context is cancelled", func() {
		var cancel context.CancelFunc
		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			cancel()
		})
		AfterEach(func() {
			ctx = context.Background()
		})
		It("should not download anything", func() {
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(images.downloads).To(BeEmpty())
		})
	})
})
