package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"syscall"

	"google.golang.org/api/googleapi"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	var gapiError *googleapi.Error
	if errors.As(err, &gapiError) {
		return gapiError.Code == 429 || gapiError.Code == 500
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}

// TemporaryStatus returns true if the http status is worth a retry
func TemporaryStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the fatal error then to the temporary
// else, priority to no error, then to the temporary and finally to the fatal error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}

// ConfigurationError is returned when a required field is missing or invalid
// before a request can be built.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// AuthenticationError is returned when the identity service refuses to deliver a token
type AuthenticationError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed on %s (status %d): %s", e.Endpoint, e.StatusCode, e.Detail)
}

// NetworkError is returned when a service cannot be reached
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure on %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CatalogQueryError is returned when the catalog search fails or returns an unreadable response
type CatalogQueryError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *CatalogQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog query on %s failed (status %d): %v (response: %s)", e.Endpoint, e.StatusCode, e.Err, e.Body)
	}
	return fmt.Sprintf("catalog query on %s failed (status %d): %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *CatalogQueryError) Unwrap() error { return e.Err }

// DownloadError is returned when a product cannot be fetched or written to disk.
// StatusCode is zero when no terminal http response was received.
type DownloadError struct {
	ProductID  string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("download of product %s failed (status %d): %v", e.ProductID, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("download of product %s failed: %v", e.ProductID, e.Err)
	}
	return fmt.Sprintf("download of product %s failed (status %d)", e.ProductID, e.StatusCode)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// RedirectLoopError is returned when the redirect chain of a download exceeds the limit
type RedirectLoopError struct {
	ProductID string
	Hops      int
	Location  string
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("download of product %s: stopped after %d redirects (last location: %s)", e.ProductID, e.Hops, e.Location)
}
