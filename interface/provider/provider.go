package provider

import (
	"context"

	"github.com/airbusgeo/sentinel2-downloader/common"
)

// TokenProvider is the interface of an identity service delivering access tokens
type TokenProvider interface {
	// Authorize exchanges the credentials for a bearer token
	Authorize(ctx context.Context, credentials common.Credentials) (string, error)
}

// ImageProvider is the interface of an image download service
type ImageProvider interface {
	// Download a product to the given localDir
	// token is the bearer token returned by a TokenProvider
	// fileName is the name of the archive without extension (if empty, the name of the product is used)
	Download(ctx context.Context, token string, product common.Product, localDir, fileName string) (common.DownloadResult, error)

	// Name of the provider
	Name() string
}

var (
	_ TokenProvider = (*CopernicusTokenProvider)(nil)
	_ ImageProvider = (*CopernicusImageProvider)(nil)
)
