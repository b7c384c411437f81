package apitest

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userInfo struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type fileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// handleRegister handles POST /api/auth/register.
func (b *Backend) handleRegister(c echo.Context) error {
	var req credentials
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	details := map[string]string{}
	if !strings.Contains(req.Email, "@") {
		details["Email"] = "invalid email address"
	}
	if len(req.Password) < 6 {
		details["Password"] = "password must be at least 6 characters"
	}
	if len(details) > 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   "validation failed",
			"details": details,
		})
	}

	b.mu.Lock()
	_, exists := b.accounts[req.Email]
	b.mu.Unlock()
	if exists {
		return errorJSON(c, http.StatusConflict, "user with this email already exists")
	}

	b.AddUser(req.Email, req.Password)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// handleLogin handles POST /api/auth/login.
func (b *Backend) handleLogin(c echo.Context) error {
	var req credentials
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	b.mu.Lock()
	acct := b.accounts[req.Email]
	b.mu.Unlock()
	if acct == nil || bcrypt.CompareHashAndPassword(acct.hash, []byte(req.Password)) != nil {
		return errorJSON(c, http.StatusUnauthorized, "invalid email or password")
	}

	return b.issueTokens(c, acct, true)
}

// handleRefresh handles POST /api/auth/refresh. The refresh token is
// rotated on every call.
func (b *Backend) handleRefresh(c echo.Context) error {
	cookie, err := c.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		return errorJSON(c, http.StatusUnauthorized, "refresh token not found")
	}

	b.mu.Lock()
	email, ok := b.sessions[cookie.Value]
	delete(b.sessions, cookie.Value)
	acct := b.accounts[email]
	b.mu.Unlock()
	if !ok || acct == nil {
		return errorJSON(c, http.StatusUnauthorized, "invalid refresh token")
	}

	return b.issueTokens(c, acct, !b.refreshOmitsUser)
}

// handleLogout handles POST /api/auth/logout.
func (b *Backend) handleLogout(c echo.Context) error {
	if cookie, err := c.Cookie(refreshCookie); err == nil {
		b.mu.Lock()
		delete(b.sessions, cookie.Value)
		b.mu.Unlock()
	}
	c.SetCookie(&http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   b.secureCookies,
	})
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// handleList handles GET /api/files/list.
func (b *Backend) handleList(c echo.Context) error {
	b.mu.Lock()
	override := b.listOverride
	b.mu.Unlock()
	if override != nil {
		return override(c)
	}

	email := c.Get("email").(string)
	b.mu.Lock()
	out := make([]fileInfo, 0, len(b.files[email]))
	for _, f := range b.files[email] {
		out = append(out, fileInfo{Name: f.name, Size: int64(len(f.data)), UploadedAt: f.uploadedAt})
	}
	b.mu.Unlock()

	return c.JSON(http.StatusOK, echo.Map{"files": out})
}

// handleUpload handles POST /api/files/upload with a multipart "file" field.
func (b *Backend) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "file is required (use form field 'file')")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to read uploaded file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to read uploaded file")
	}

	name := sanitizeFilename(fileHeader.Filename)
	email := c.Get("email").(string)
	b.mu.Lock()
	b.putLocked(email, name, data)
	b.mu.Unlock()

	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"message":  "file uploaded",
		"filename": name,
	})
}

// handleDownload handles GET /api/files/download/:name.
func (b *Backend) handleDownload(c echo.Context) error {
	f, ok, err := b.lookup(c)
	if !ok {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+url.PathEscape(f.name))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, f.data)
}

// handleInfo handles GET /api/files/info/:name.
func (b *Backend) handleInfo(c echo.Context) error {
	f, ok, err := b.lookup(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, fileInfo{Name: f.name, Size: int64(len(f.data)), UploadedAt: f.uploadedAt})
}

// handleDelete handles DELETE /api/files/delete/:name.
func (b *Backend) handleDelete(c echo.Context) error {
	name, err := fileParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid file name")
	}

	email := c.Get("email").(string)
	b.mu.Lock()
	deleted := b.deleteLocked(email, name)
	b.mu.Unlock()
	if !deleted {
		return errorJSON(c, http.StatusNotFound, "file not found")
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "file deleted"})
}

// lookup resolves the :name parameter to a copy of a stored file. When
// ok is false the error response has already been written.
func (b *Backend) lookup(c echo.Context) (f storedFile, ok bool, err error) {
	name, perr := fileParam(c)
	if perr != nil {
		return f, false, errorJSON(c, http.StatusBadRequest, "invalid file name")
	}

	email := c.Get("email").(string)
	b.mu.Lock()
	found := b.findLocked(email, name)
	if found != nil {
		f = *found
	}
	b.mu.Unlock()
	if found == nil {
		return f, false, errorJSON(c, http.StatusNotFound, "file not found")
	}
	return f, true, nil
}

// fileParam decodes :name. Echo routes on the raw path when the request
// carries escapes the default encoding would not produce (such as %2F),
// and then leaves the parameter escaped.
func fileParam(c echo.Context) (string, error) {
	raw := c.Param("name")
	if c.Request().URL.RawPath == "" {
		return raw, nil
	}
	return url.PathUnescape(raw)
}

// requireBearer validates the access token and stores its subject.
func (b *Backend) requireBearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				return errorJSON(c, http.StatusUnauthorized, "user is not authorized")
			}

			claims := &jwt.RegisteredClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
				return b.secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					return errorJSON(c, http.StatusUnauthorized, "access token expired")
				}
				return errorJSON(c, http.StatusUnauthorized, "invalid access token")
			}

			c.Set("email", claims.Subject)
			return next(c)
		}
	}
}

// issueTokens starts a new refresh session and answers with an access token.
func (b *Backend) issueTokens(c echo.Context, acct *account, includeUser bool) error {
	now := time.Now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   acct.email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.accessTTL)),
		ID:        uuid.NewString(),
	}).SignedString(b.secret)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to sign token")
	}

	refresh := uuid.NewString()
	b.mu.Lock()
	b.sessions[refresh] = acct.email
	b.mu.Unlock()

	c.SetCookie(&http.Cookie{
		Name:     refreshCookie,
		Value:    refresh,
		Path:     "/",
		MaxAge:   int((7 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   b.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	body := echo.Map{"access_token": access}
	if includeUser {
		body["user"] = userInfo{ID: acct.id, Email: acct.email}
	}
	return c.JSON(http.StatusOK, body)
}

// sanitizeFilename strips directory components.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		name = "upload.bin"
	}
	return name
}
