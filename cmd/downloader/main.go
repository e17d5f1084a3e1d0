package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/downloader"
	"github.com/airbusgeo/sentinel2-downloader/interface/catalog/copernicus"
	"github.com/airbusgeo/sentinel2-downloader/interface/messaging"
	"github.com/airbusgeo/sentinel2-downloader/interface/messaging/pubsub"
	"github.com/airbusgeo/sentinel2-downloader/interface/provider"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
	"github.com/araddon/dateparse"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type config struct {
	Username string
	Password string

	Criteria      common.SearchCriteria
	FootprintFile string

	WorkingDir   string
	NameTemplate string
	ReportFile   string

	TokenURL     string
	CatalogURL   string
	DownloadURL  string
	HTTP         service.HTTPConfig
	MaxRedirects int
	ChunkSize    int
	MaxResults   int
	MaxTries     int

	OnlineOnly     bool
	FailFast       bool
	VerifyChecksum bool
	Unarchive      bool

	StorageURI string
	S3         service.S3Config

	PsProject    string
	PsEndpoint   string
	PsRetryDelay time.Duration
	EventTopic   string
	LogEvents    bool

	MetricsFile string
	LogDebug    bool
}

func newAppConfig() (*config, error) {
	config := config{HTTP: service.DefaultHTTPConfig()}
	// Account
	flag.StringVar(&config.Username, "username", os.Getenv("S2_USERNAME"), "Copernicus Data Space account username (default: $S2_USERNAME)")
	flag.StringVar(&config.Password, "password", os.Getenv("S2_PASSWORD"), "Copernicus Data Space account password (default: $S2_PASSWORD)")

	// Search
	startDate := flag.String("start", "", "start of the acquisition period (e.g. 2023-08-01), UTC")
	endDate := flag.String("end", "", "end of the acquisition period (e.g. 2023-08-30), UTC")
	flag.StringVar(&config.Criteria.Collection, "collection", "SENTINEL-2", "catalog collection")
	flag.StringVar(&config.Criteria.Footprint, "footprint", "", "area of interest as a WKT polygon (EPSG:4326)")
	flag.StringVar(&config.FootprintFile, "footprint-file", "", "area of interest as a geojson file (alternative to -footprint)")
	flag.Float64Var(&config.Criteria.MaxCloudCover, "cloud-cover", 20, "maximum cloud cover (percent, exclusive)")
	flag.StringVar(&config.Criteria.ProductType, "product-type", "MSIL1C", "substring of the product names (e.g. MSIL1C, MSIL2A)")
	flag.IntVar(&config.MaxResults, "max-results", 0, "maximum number of products (0: all)")

	// Download
	flag.StringVar(&config.WorkingDir, "workdir", "products", "directory where the products are downloaded")
	flag.StringVar(&config.NameTemplate, "name-template", common.DefaultNameTemplate, "name of the archives. Can contain {IDENTIFIER} replaced according to the product: ID, NAME, MISSION_ID, PRODUCT_LEVEL, DATE, YEAR, MONTH, DAY, ORBIT, TILE...")
	flag.BoolVar(&config.OnlineOnly, "online-only", true, "skip the products that are not online")
	flag.BoolVar(&config.FailFast, "fail-fast", false, "stop at the first product failure")
	flag.BoolVar(&config.VerifyChecksum, "verify-checksum", false, "check the md5 of the archives")
	flag.BoolVar(&config.Unarchive, "unzip", false, "extract the archives")
	flag.IntVar(&config.MaxTries, "max-tries", 3, "number of tries of a download in case of temporary failure")
	flag.IntVar(&config.MaxRedirects, "max-redirects", provider.DefaultMaxRedirects, "maximum number of redirects of a download")
	flag.IntVar(&config.ChunkSize, "chunk-size", provider.DefaultChunkSize, "size of the chunks written to disk (bytes)")
	flag.StringVar(&config.ReportFile, "report", "", "json file where the report of the run is written (optional)")

	// Endpoints
	flag.StringVar(&config.TokenURL, "token-url", provider.CopernicusAuthURL, "identity service endpoint")
	flag.StringVar(&config.CatalogURL, "catalog-url", copernicus.CopernicusCatalogURL, "OData catalog endpoint")
	flag.StringVar(&config.DownloadURL, "download-url", provider.CopernicusDownloadURL, "OData download endpoint")
	flag.DurationVar(&config.HTTP.DialTimeout, "dial-timeout", config.HTTP.DialTimeout, "connection timeout")
	flag.DurationVar(&config.HTTP.ResponseHeaderTimeout, "read-timeout", config.HTTP.ResponseHeaderTimeout, "timeout waiting for the response headers")
	flag.DurationVar(&config.HTTP.RequestTimeout, "request-timeout", time.Minute, "timeout of the token and catalog requests")
	flag.DurationVar(&config.HTTP.ReadIdleTimeout, "idle-timeout", config.HTTP.ReadIdleTimeout, "a connection that receives nothing during this delay fails (0: no limit)")

	// Export
	flag.StringVar(&config.StorageURI, "storage-uri", "", "storage uri where the archives are exported (optional, currently supported: local, gs, s3)")
	flag.StringVar(&config.S3.Region, "s3-region", "", "s3 region (optional)")
	flag.StringVar(&config.S3.Endpoint, "s3-endpoint", "", "s3 endpoint, for s3-compatible storages (optional)")
	flag.StringVar(&config.S3.AccessKey, "s3-access-key", os.Getenv("S3_ACCESS_KEY"), "s3 access key (optional)")
	flag.StringVar(&config.S3.SecretKey, "s3-secret-key", os.Getenv("S3_SECRET_KEY"), "s3 secret key (optional)")

	// Messaging
	flag.StringVar(&config.PsProject, "ps-project", "", "pubsub project (gcp only/not required in local usage)")
	flag.StringVar(&config.PsEndpoint, "ps-endpoint", "", "pubsub endpoint, e.g. a regional one (optional)")
	flag.DurationVar(&config.PsRetryDelay, "ps-retry-delay", time.Second, "initial delay between two publications of a result")
	flag.StringVar(&config.EventTopic, "event-topic", "", "pubsub topic where the result of each product is published (optional)")
	flag.BoolVar(&config.LogEvents, "log-events", false, "log the result of each product")

	flag.StringVar(&config.MetricsFile, "metrics-file", "", "file where the metrics of the run are written in prometheus text format (optional)")
	flag.BoolVar(&config.LogDebug, "log-debug", false, "debug logs")

	flag.Parse()

	var err error
	if *startDate != "" {
		if config.Criteria.StartDate, err = dateparse.ParseIn(*startDate, time.UTC); err != nil {
			return nil, &service.ConfigurationError{Field: "start date", Reason: err.Error()}
		}
	}
	if *endDate != "" {
		if config.Criteria.EndDate, err = dateparse.ParseIn(*endDate, time.UTC); err != nil {
			return nil, &service.ConfigurationError{Field: "end date", Reason: err.Error()}
		}
	}
	if config.FootprintFile != "" {
		if config.Criteria.Footprint != "" {
			return nil, &service.ConfigurationError{Field: "footprint", Reason: "and footprint-file are exclusive"}
		}
		if config.Criteria.Footprint, err = service.LoadFootprint(config.FootprintFile); err != nil {
			return nil, err
		}
	}
	if err := (common.Credentials{Username: config.Username, Password: config.Password}).Validate(); err != nil {
		return nil, err
	}
	if err := config.Criteria.Validate(); err != nil {
		return nil, err
	}
	if config.WorkingDir == "" {
		return nil, &service.ConfigurationError{Field: "workdir"}
	}
	return &config, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
	log.Sync()
}

// loadEnv loads the variables of the .env file (or the one of $S2_ENV_FILE) that are not already set
func loadEnv() error {
	envFile := os.Getenv("S2_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &service.ConfigurationError{Field: "env file", Reason: err.Error()}
	}
	return nil
}

func run(ctx context.Context) error {
	if err := loadEnv(); err != nil {
		return err
	}
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if err := log.Configure(config.LogDebug); err != nil {
		return fmt.Errorf("log.Configure: %w", err)
	}

	apiClient := service.NewHTTPClient(config.HTTP)
	downloadHTTPConfig := config.HTTP
	downloadHTTPConfig.RequestTimeout = 0
	downloadClient := service.NewHTTPClient(downloadHTTPConfig)

	tokenProvider := provider.NewCopernicusTokenProvider(apiClient)
	tokenProvider.TokenURL = config.TokenURL

	catalog := copernicus.NewProvider(apiClient)
	catalog.BaseURL = config.CatalogURL
	catalog.MaxResults = config.MaxResults

	imageProvider := provider.NewCopernicusImageProvider(downloadClient)
	imageProvider.BaseURL = config.DownloadURL
	imageProvider.MaxRedirects = config.MaxRedirects
	imageProvider.ChunkSize = config.ChunkSize
	imageProvider.VerifyChecksum = config.VerifyChecksum
	imageProvider.Unarchive = config.Unarchive

	opts := downloader.Options{
		OnlineOnly:   config.OnlineOnly,
		FailFast:     config.FailFast,
		MaxTries:     config.MaxTries,
		RetryDelay:   5 * time.Second,
		NameTemplate: config.NameTemplate,
	}
	if config.MetricsFile != "" {
		opts.Metrics = downloader.NewMetrics()
		defer func() {
			if e := prometheus.WriteToTextfile(config.MetricsFile, opts.Metrics.Registry()); e != nil {
				log.Logger(ctx).Warn("failed to write the metrics", zap.Error(e))
			}
		}()
	}

	if config.StorageURI != "" {
		if opts.Storage, err = service.NewStorage(ctx, config.StorageURI, config.S3); err != nil {
			return fmt.Errorf("storage %s: %w", config.StorageURI, err)
		}
	}

	switch {
	case config.EventTopic != "":
		psOptions := []pubsub.PublisherOption{pubsub.WithMaxRetries(5), pubsub.WithRetryDelay(config.PsRetryDelay)}
		if config.PsEndpoint != "" {
			psOptions = append(psOptions, pubsub.WithClientOptions(option.WithEndpoint(config.PsEndpoint)))
		}
		eventTopic, err := pubsub.NewPublisher(ctx, config.PsProject, config.EventTopic, psOptions...)
		if err != nil {
			return fmt.Errorf("pubsub.NewPublisher: %w", err)
		}
		defer eventTopic.Stop()
		opts.Publisher = eventTopic
	case config.LogEvents:
		opts.Publisher = messaging.LogPublisher{}
	}

	log.Logger(ctx).Sugar().Debugf("downloader starts: searching %s from %s, downloading from %s into %s",
		config.Criteria.ProductType, config.CatalogURL, config.DownloadURL, config.WorkingDir)

	credentials := common.Credentials{Username: config.Username, Password: config.Password}
	report, err := downloader.New(tokenProvider, catalog, imageProvider, opts).Execute(ctx, config.Criteria, credentials, config.WorkingDir)
	if config.ReportFile != "" {
		if e := service.ToJSON(report, filepath.Dir(config.ReportFile), filepath.Base(config.ReportFile)); e != nil {
			log.Logger(ctx).Warn("failed to write the report", zap.Error(e))
		}
	}
	if err != nil {
		return err
	}
	return report.Err()
}
