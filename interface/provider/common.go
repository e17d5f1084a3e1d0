package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/airbusgeo/sentinel2-downloader/service"
	"github.com/airbusgeo/sentinel2-downloader/service/log"
	"github.com/cavaliercoder/grab"
	"github.com/mholt/archiver"
)

// ProgressFunc is called periodically during a download with the number of bytes written so far
// and the expected size (0 if unknown). It is called a last time when the download ends.
type ProgressFunc func(written, total int64)

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

// expectedSize returns the announced size of the download, 0 if unknown (e.g. chunked transfer)
func expectedSize(resp *grab.Response) int64 {
	if resp.Size < 0 {
		return 0
	}
	return resp.Size
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64, onProgress ProgressFunc) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if onProgress != nil {
				onProgress(resp.BytesComplete(), expectedSize(resp))
			}
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			if onProgress != nil {
				onProgress(resp.BytesComplete(), expectedSize(resp))
			}
			return
		}
	}
}

// redirectPolicy follows the usual redirections (301, 302, 303, 307) copying the authorization header,
// up to maxRedirects hops. Other statuses (e.g. 308) are returned as the final response.
func redirectPolicy(productID string, maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if req.Response != nil {
			switch req.Response.StatusCode {
			case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			default:
				return http.ErrUseLastResponse
			}
		}
		if len(via) > maxRedirects {
			return &service.RedirectLoopError{ProductID: productID, Hops: len(via), Location: req.URL.String()}
		}
		if auth, ok := via[0].Header["Authorization"]; ok {
			req.Header.Set("Authorization", auth[0])
		}
		return nil
	}
}

// unarchive file with basic check. All errors are temporary.
func unarchive(localZip, localDir string) error {
	tmpdir, err := os.MkdirTemp(localDir, filepath.Base(localZip))
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	if err := archiver.Unarchive(localZip, tmpdir); err != nil {
		return service.MakeTemporary(err)
	}
	files, err := os.ReadDir(tmpdir)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if len(files) == 0 {
		return service.MakeTemporary(fmt.Errorf("empty zip"))
	}
	for _, f := range files {
		dst := filepath.Join(localDir, f.Name())
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("unarchive.Remove: %w", err)
		}
		if err := os.Rename(filepath.Join(tmpdir, f.Name()), dst); err != nil {
			return service.MakeTemporary(err)
		}
	}
	return nil
}

// productFilePath returns the path of the product, given the directory and its file name
func productFilePath(dir, fileName string, ext service.Extension) string {
	return path.Join(dir, fileName+"."+string(ext))
}
