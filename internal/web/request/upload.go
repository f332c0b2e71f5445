package request

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/conduit-lang/relay/internal/web/response"
)

// UploadConfig configures limits applied while decoding multipart bodies
type UploadConfig struct {
	MaxFileSize  int64    // Maximum size per file (in bytes)
	MaxTotalSize int64    // Maximum total size for all files
	MaxFiles     int      // Maximum number of file parts
	MaxFields    int      // Maximum number of non-file fields
	MaxFieldSize int64    // Maximum size of a single field value
	AllowedTypes []string // Allowed MIME types (empty = allow all)
	AllowedExts  []string // Allowed file extensions (empty = allow all)
}

// DefaultUploadConfig returns default upload configuration
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxFileSize:  10 << 20, // 10MB per file
		MaxTotalSize: 50 << 20, // 50MB total
		MaxFiles:     10,
		MaxFields:    1000,
		MaxFieldSize: 1 << 20,
	}
}

// File is a decoded file part
type File struct {
	FieldName string
	Filename  string
	MimeType  string
	Data      []byte
}

// Size returns the number of bytes in the file
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Form is the decoded result of a multipart body
type Form struct {
	Fields map[string]string
	Files  []File
}

// File returns the first file uploaded under fieldName
func (f *Form) File(fieldName string) (File, bool) {
	for _, file := range f.Files {
		if file.FieldName == fieldName {
			return file, true
		}
	}
	return File{}, false
}

// checkFileSize enforces the per-file limit while a part streams in
func (c UploadConfig) checkFileSize(size int64) error {
	if c.MaxFileSize > 0 && size > c.MaxFileSize {
		return response.PayloadTooLarge(c.MaxFileSize).
			WithCode("file_too_large")
	}
	return nil
}

// checkFieldSize enforces the per-field limit while a part streams in
func (c UploadConfig) checkFieldSize(size int64) error {
	if c.MaxFieldSize > 0 && size > c.MaxFieldSize {
		return response.PayloadTooLarge(c.MaxFieldSize).
			WithCode("field_too_large")
	}
	return nil
}

// validateFile validates a completed file against configured constraints
func (c UploadConfig) validateFile(file File, totalSize int64) error {
	if c.MaxTotalSize > 0 && totalSize > c.MaxTotalSize {
		return response.PayloadTooLarge(c.MaxTotalSize).
			WithCode("files_too_large")
	}

	// Check file extension if restrictions are configured
	if len(c.AllowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(file.Filename))
		allowed := false
		for _, allowedExt := range c.AllowedExts {
			if ext == strings.ToLower(allowedExt) {
				allowed = true
				break
			}
		}
		if !allowed {
			return response.UnsupportedMediaType(fmt.Sprintf("file extension %s not allowed", ext))
		}
	}

	// Check MIME type if restrictions are configured
	if len(c.AllowedTypes) > 0 {
		// Detect actual content type from file content, not the declared one
		sniff := file.Data
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		actualType := http.DetectContentType(sniff)
		if !isTypeAllowed(actualType, c.AllowedTypes) {
			return response.UnsupportedMediaType(actualType)
		}
	}

	return nil
}

// isTypeAllowed checks if a content type is in the allowed list
func isTypeAllowed(contentType string, allowedTypes []string) bool {
	for _, allowed := range allowedTypes {
		// Allow exact matches or prefix matches (e.g., "image/" matches "image/jpeg")
		if contentType == allowed || strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}
