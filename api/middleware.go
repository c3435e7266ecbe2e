package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// decompress unwraps gateway request bodies sent with Content-Encoding gzip.
// Identity bodies pass through; any other coding is refused with 415 so the
// decoder never sees compressed bytes.
func (s *server) decompress(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		gz, err := requestCoding(req.Header.Get(echo.HeaderContentEncoding))
		if err != nil {
			return c.JSON(http.StatusUnsupportedMediaType, errorResponse{Error: err.Error()})
		}
		if !gz {
			return next(c)
		}

		body := req.Body
		zr, err := gzip.NewReader(body)
		if err != nil {
			_ = body.Close()
			s.Logger.WithError(err).WithField("path", c.Path()).Debug("rejecting gzip body")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
		}
		req.Body = &gzipBody{zr: zr, body: body}
		req.ContentLength = -1
		req.Header.Del(echo.HeaderContentEncoding)
		req.Header.Del(echo.HeaderContentLength)
		return next(c)
	}
}

type unsupportedCodingError string

func (e unsupportedCodingError) Error() string {
	return "unsupported content encoding " + string(e)
}

// requestCoding reports whether the body is gzip encoded. Only a single gzip
// layer is accepted.
func requestCoding(header string) (bool, error) {
	gz := false
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		switch enc {
		case "", "identity":
		case "gzip", "x-gzip":
			if gz {
				return false, unsupportedCodingError("gzip, gzip")
			}
			gz = true
		default:
			return false, unsupportedCodingError(enc)
		}
	}
	return gz, nil
}

type gzipBody struct {
	zr   *gzip.Reader
	body io.Closer
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipBody) Close() error {
	var err error
	if g.zr != nil {
		err = g.zr.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
