package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/common"
	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
	"github.com/cavaliercoder/grab"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	CopernicusAuthURL     = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	CopernicusClientID    = "cdse-public"
	CopernicusDownloadURL = "https://zipper.dataspace.copernicus.eu/odata/v1"

	copernicusDownloadProduct = "%s/Products(%s)/$value"

	DefaultMaxRedirects = 10
	DefaultChunkSize    = 1024
)

// CopernicusTokenProvider implements TokenProvider for the Copernicus Data Space identity service
type CopernicusTokenProvider struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
}

// NewCopernicusTokenProvider creates a TokenProvider on the CDSE identity service
func NewCopernicusTokenProvider(httpClient *http.Client) *CopernicusTokenProvider {
	return &CopernicusTokenProvider{
		TokenURL:   CopernicusAuthURL,
		ClientID:   CopernicusClientID,
		HTTPClient: httpClient,
	}
}

// Authorize implements TokenProvider using the password grant.
// The request is not retried.
func (tp *CopernicusTokenProvider) Authorize(ctx context.Context, credentials common.Credentials) (string, error) {
	if err := credentials.Validate(); err != nil {
		return "", fmt.Errorf("CopernicusToken.%w", err)
	}
	if tp.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tp.HTTPClient)
	}
	cfg := oauth2.Config{
		ClientID: tp.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tp.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	token, err := cfg.PasswordCredentialsToken(ctx, credentials.Username, credentials.Password)
	if err != nil {
		return "", tp.authError(err)
	}
	log.Logger(ctx).Debug("Copernicus token delivered", zap.Time("expiry", token.Expiry))
	return token.AccessToken, nil
}

func (tp *CopernicusTokenProvider) authError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		aerr := &service.AuthenticationError{Endpoint: tp.TokenURL, Detail: string(rerr.Body)}
		if rerr.Response != nil {
			aerr.StatusCode = rerr.Response.StatusCode
		}
		return aerr
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return &service.NetworkError{Endpoint: tp.TokenURL, Err: err}
	}
	// The service answered 2xx without a usable token
	return &service.AuthenticationError{Endpoint: tp.TokenURL, StatusCode: http.StatusOK, Detail: err.Error()}
}

// CopernicusImageProvider implements ImageProvider for the Copernicus Data Space
type CopernicusImageProvider struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxRedirects bounds the redirect chain of a download
	MaxRedirects int
	// ChunkSize is the size of the buffer used to write the archive
	ChunkSize int
	// VerifyChecksum checks the MD5 of the archive against the one of the catalog (if any)
	VerifyChecksum bool
	// Unarchive extracts the archive next to it
	Unarchive  bool
	OnProgress ProgressFunc
}

// NewCopernicusImageProvider creates a new ImageProvider from Copernicus
func NewCopernicusImageProvider(httpClient *http.Client) *CopernicusImageProvider {
	return &CopernicusImageProvider{
		BaseURL:      CopernicusDownloadURL,
		HTTPClient:   httpClient,
		MaxRedirects: DefaultMaxRedirects,
		ChunkSize:    DefaultChunkSize,
	}
}

// Name implements ImageProvider
func (ip *CopernicusImageProvider) Name() string {
	return "Copernicus"
}

// Download implements ImageProvider.
// An existing archive with the same name is overwritten.
func (ip *CopernicusImageProvider) Download(ctx context.Context, token string, product common.Product, localDir, fileName string) (common.DownloadResult, error) {
	if product.ID == "" {
		return common.DownloadResult{}, &service.ConfigurationError{Field: "product id"}
	}
	if fileName == "" {
		fileName = common.ProductFileName(common.DefaultNameTemplate, product)
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return common.DownloadResult{}, &service.DownloadError{ProductID: product.ID, Err: fmt.Errorf("MkdirAll: %w", err)}
	}
	localZip := productFilePath(localDir, fileName, service.ExtensionZIP)

	req, err := grab.NewRequest(localZip, fmt.Sprintf(copernicusDownloadProduct, strings.TrimSuffix(ip.BaseURL, "/"), product.ID))
	if err != nil {
		return common.DownloadResult{}, &service.DownloadError{ProductID: product.ID, Err: fmt.Errorf("NewRequest: %w", err)}
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	if ip.ChunkSize > 0 {
		req.BufferSize = ip.ChunkSize
	}
	req.HTTPRequest.Header.Set("Authorization", "Bearer "+token)
	if ip.VerifyChecksum {
		if sum, ok := product.Checksum("MD5"); ok {
			if b, err := hex.DecodeString(sum); err == nil {
				req.SetChecksum(md5.New(), b, true)
			} else {
				log.Logger(ctx).Sugar().Warnf("[Copernicus] %s: invalid md5 checksum %s", product.Name, sum)
			}
		}
	}

	start := time.Now()
	resp := ip.client(product.ID).Do(req)
	displayProgress(ctx, ip.Name()+":"+product.Name, resp, 0.05, ip.OnProgress)
	if err := ip.downloadError(product.ID, resp); err != nil {
		return common.DownloadResult{}, fmt.Errorf("CopernicusImageProvider.%w", err)
	}

	result := common.DownloadResult{
		ProductID: product.ID,
		Path:      localZip,
		Bytes:     resp.BytesComplete(),
		Duration:  time.Since(start),
	}
	log.Logger(ctx).Sugar().Infof("[Copernicus] %s downloaded: %s in %s (%s/s)", product.Name, fmtBytes(result.Bytes), result.Duration.Round(time.Millisecond), fmtBytes(int64(result.Rate())))

	if ip.Unarchive {
		if err := unarchive(localZip, localDir); err != nil {
			return result, &service.DownloadError{ProductID: product.ID, Err: fmt.Errorf("Unarchive: %w", err)}
		}
	}
	return result, nil
}

// client returns a grab client whose redirections are bounded and keep the authorization header
func (ip *CopernicusImageProvider) client(productID string) *grab.Client {
	client := grab.NewClient()
	httpClient := &http.Client{}
	if ip.HTTPClient != nil {
		*httpClient = *ip.HTTPClient
	}
	maxRedirects := ip.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	httpClient.CheckRedirect = redirectPolicy(productID, maxRedirects)
	client.HTTPClient = httpClient
	return client
}

func (ip *CopernicusImageProvider) downloadError(productID string, resp *grab.Response) error {
	err := resp.Err()
	if err == nil {
		return nil
	}
	var rerr *service.RedirectLoopError
	if errors.As(err, &rerr) {
		return rerr
	}
	derr := &service.DownloadError{ProductID: productID, Err: err}
	switch {
	case errors.Is(err, grab.ErrBadChecksum):
		return derr
	case resp.HTTPResponse == nil || resp.HTTPResponse.StatusCode/100 == 2:
		// Transport failure
		return service.MakeTemporary(derr)
	}
	derr.StatusCode = resp.HTTPResponse.StatusCode
	if service.TemporaryStatus(derr.StatusCode) {
		return service.MakeTemporary(derr)
	}
	return derr
}
