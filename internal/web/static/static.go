// Package static serves files from a directory or fs.FS under a route
// prefix.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/cache"
	"github.com/conduit-lang/relay/internal/web/middleware"
	"github.com/conduit-lang/relay/internal/web/plugin"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// PluginName identifies the static file plugin
const PluginName = "relay-static"

// Config holds configuration for the static file plugin
type Config struct {
	// Root is the directory to serve when FS is nil
	Root string
	// FS overrides Root
	FS fs.FS
	// Prefix is the URL prefix the files are mounted under
	Prefix string
	// MaxAge is sent as Cache-Control max-age
	MaxAge time.Duration
	// IndexFile is served for directories. Empty forbids directories.
	IndexFile string
	// ETag enables weak validators derived from size and modification time
	ETag bool
}

// DefaultConfig serves root under /static
func DefaultConfig(root string) Config {
	return Config{
		Root:      root,
		Prefix:    "/static",
		MaxAge:    365 * 24 * time.Hour,
		IndexFile: "index.html",
		ETag:      true,
	}
}

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".xml":   "application/xml; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".pdf":   "application/pdf",
}

// Plugin mounts a GET catch-all route in an encapsulated scope prefixed
// with config.Prefix. HEAD is answered by the GET route.
func Plugin(config Config) middleware.Plugin {
	return middleware.Plugin{
		Meta: plugin.Meta{
			Name: PluginName,
			Core: ">=1.0.0",
		},
		Options: app.PluginOptions{Prefix: strings.TrimSuffix(config.Prefix, "/")},
		Fn: func(s *app.Scope, _ app.PluginOptions) error {
			fsys := config.FS
			if fsys == nil {
				if config.Root == "" {
					return errors.New("static plugin requires a root directory")
				}
				info, err := os.Stat(config.Root)
				if err != nil {
					return fmt.Errorf("static root: %w", err)
				}
				if !info.IsDir() {
					return fmt.Errorf("static root %s is not a directory", config.Root)
				}
				fsys = os.DirFS(config.Root)
			}
			return s.Get("/*", serve(fsys, config))
		},
	}
}

func serve(fsys fs.FS, config Config) app.Handler {
	cacheControl := "public, max-age=" + strconv.Itoa(int(config.MaxAge.Seconds()))

	return func(req *request.Request, reply *response.Reply) (interface{}, error) {
		// Clean against a rooted path so ".." cannot climb above the root
		name := strings.TrimPrefix(path.Clean("/"+req.Param("*")), "/")
		if name == "" {
			name = "."
		}

		info, err := fs.Stat(fsys, name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
				return nil, response.NotFound(req.Method, req.Path)
			}
			return nil, response.Internal(err)
		}

		if info.IsDir() {
			if config.IndexFile == "" {
				return nil, response.NewHTTPError(http.StatusForbidden, "Directory listing is not allowed")
			}
			name = path.Join(name, config.IndexFile)
			info, err = fs.Stat(fsys, name)
			if err != nil || info.IsDir() {
				return nil, response.NewHTTPError(http.StatusForbidden, "Directory listing is not allowed")
			}
		}

		etag := ""
		if config.ETag {
			etag = fmt.Sprintf(`W/"%x-%x"`, info.Size(), info.ModTime().Unix())
		}
		headers := map[string]string{
			"Cache-Control": cacheControl,
			"Last-Modified": info.ModTime().UTC().Format(http.TimeFormat),
		}
		if etag != "" {
			headers["ETag"] = etag
		}
		if err := reply.Headers(headers); err != nil {
			return nil, err
		}

		if cache.NotModified(req.Header, etag, info.ModTime()) {
			if err := reply.Code(http.StatusNotModified); err != nil {
				return nil, err
			}
			return nil, reply.Send(nil)
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			req.Log().Error("static file read failed", zap.String("file", name), zap.Error(err))
			return nil, response.Internal(err)
		}
		if err := reply.Type(detectContentType(name)); err != nil {
			return nil, err
		}
		return content, nil
	}
}

func detectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
