package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"horse.fit/vofc/internal/auth"
)

const principalKey = "auth.principal"

func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, err := s.authorizer.Authorize(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					return fail(c, http.StatusForbidden, "Admin role required", nil)
				}
				s.logger.Debug().Err(err).Str("uri", c.Request().RequestURI).Msg("request rejected")
				return fail(c, http.StatusUnauthorized, "Authentication required", nil)
			}
			c.Set(principalKey, principal)
			return next(c)
		}
	}
}

func principalFromContext(c echo.Context) (auth.Principal, bool) {
	principal, ok := c.Get(principalKey).(auth.Principal)
	return principal, ok
}
