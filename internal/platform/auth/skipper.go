package auth

import "github.com/labstack/echo/v4"

// Probe routes answer without a bearer token. Keys are route templates.
var publicRoutes = map[string]struct{}{
	"/health":    {},
	"/health/db": {},
}

func IsPublicPath(route string) bool {
	_, ok := publicRoutes[route]
	return ok
}

// AuthSkipper is a JWTConfig.Skipper that lets probes through.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}
