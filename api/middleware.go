package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"farmcorner/identity"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers
// can work with plain JSON payloads. Invalid gzip payloads are rejected with
// a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// requireUser authenticates the bearer token, stores the user on the request
// context and hands the token to the sync session. Accounts other than the
// session owner are refused. EventSource clients
// cannot set headers, so a token query parameter is accepted as well.
func requireUser(auth Authenticator, sessions Sessions) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				if token := c.QueryParam("token"); token != "" {
					header = "Bearer " + token
				}
			}
			user, err := auth.UserFromAuthHeader(header)
			if err != nil {
				metricsFrom(c).SetErrorStage("auth")
				return c.String(http.StatusUnauthorized, err.Error())
			}
			if sessions != nil {
				if raw, err := identity.BearerToken(header); err == nil {
					tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer", Expiry: user.Expires}
					if _, err := sessions.Install(tok); err != nil {
						if errors.Is(err, identity.ErrOtherAccount) {
							metricsFrom(c).SetErrorStage("account")
							return c.String(http.StatusForbidden, err.Error())
						}
						c.Logger().Warnf("install session token: %v", err)
					}
				}
			}
			ctx := identity.WithUser(c.Request().Context(), user)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func userFrom(c echo.Context) identity.User {
	u, _ := identity.UserFrom(c.Request().Context())
	return u
}
