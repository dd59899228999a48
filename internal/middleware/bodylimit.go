package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BodyLimit caps inbound request bodies at maxBytes. A non-positive maxBytes
// leaves bodies unbounded; multipart uploads are then only governed by the
// spill threshold.
func BodyLimit(maxBytes int64) echo.MiddlewareFunc {
	if maxBytes <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.BodyLimit(fmt.Sprintf("%dB", maxBytes))
}
