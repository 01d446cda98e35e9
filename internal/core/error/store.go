package errx

import (
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// WrapStore maps database errors to the unified AppError type with
// appropriate categories and status codes.
func WrapStore(err error) *AppError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(err, KindNotFound, http.StatusNotFound, NotFoundMessage)
	}

	return New(err, KindInternal, http.StatusBadGateway, StoreErrorMessage)
}

// WrapCache marks a cache-store failure. The cache layer is advisory, so this
// kind is logged and swallowed by callers rather than propagated.
func WrapCache(err error) *AppError {
	if err == nil {
		return nil
	}
	return New(err, KindCacheUnavailable, http.StatusServiceUnavailable, StoreErrorMessage)
}
