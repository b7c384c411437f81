package apitest

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// router wires the auth and file routes the client expects.
func (b *Backend) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(b.requestLogger())
	e.Use(b.countHits())
	e.Use(b.injectFailures())

	auth := e.Group("/api/auth")
	auth.POST("/register", b.handleRegister)
	auth.POST("/login", b.handleLogin)
	auth.POST("/refresh", b.handleRefresh)
	auth.POST("/logout", b.handleLogout)

	files := e.Group("/api/files", b.requireBearer())
	files.GET("/list", b.handleList)
	files.POST("/upload", b.handleUpload)
	files.GET("/download/:name", b.handleDownload)
	files.DELETE("/delete/:name", b.handleDelete)
	files.GET("/info/:name", b.handleInfo)

	return e
}

// requestLogger logs requests using slog.
func (b *Backend) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			b.logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"bytes_out", res.Size,
			)
			return err
		}
	}
}

// countHits records each request under "METHOD route".
func (b *Backend) countHits() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := routeKey(c)
			b.mu.Lock()
			b.hits[key]++
			b.mu.Unlock()
			return next(c)
		}
	}
}

// injectFailures answers with a registered Failure instead of the handler.
func (b *Backend) injectFailures() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			b.mu.Lock()
			f, ok := b.failures[routeKey(c)]
			b.mu.Unlock()
			if !ok {
				return next(c)
			}
			if f.Message == "" {
				return c.NoContent(f.Status)
			}
			return c.JSON(f.Status, echo.Map{"error": f.Message})
		}
	}
}

// routeKey is "METHOD path" with the :name parameter stripped, so
// "GET /api/files/download/a.txt" counts as "GET /api/files/download".
func routeKey(c echo.Context) string {
	path := c.Path()
	if n := len(path) - len("/:name"); n > 0 && path[n:] == "/:name" {
		path = path[:n]
	}
	if path == "" {
		path = c.Request().URL.Path
	}
	return c.Request().Method + " " + path
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"error": msg})
}
