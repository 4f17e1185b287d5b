package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and viewer scoping. They are matched
// against the registered route, not the raw URL.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
