// Package handlers exposes the gateway, memory, and fleet surfaces over
// HTTP.
package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/superagenthq/superagent/internal/fault"
)

// respondError renders any error in the shared wire shape. Unclassified
// errors surface as 500 without leaking their cause.
func respondError(c echo.Context, err error) error {
	kind := fault.KindOf(err)
	return c.JSON(fault.HTTPStatus(kind), fault.BodyOf(err))
}
