package photos

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	pathRoot      = "users"
	pathPhotos    = "photos"
	pathUploads   = "uploads"
	imageBaseName = "image"
)

var extensionsByMIME = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

func accountSegment(accountID string) string {
	return url.PathEscape(accountID)
}

func photoSetPrefix(accountID string, photoSetID string) string {
	return strings.Join([]string{pathRoot, accountSegment(accountID), pathPhotos, photoSetID}, "/") + "/"
}

func photoObjectPath(accountID string, photoSetID string, index int, mimeType string) string {
	return fmt.Sprintf("%s%s_%d.%s", photoSetPrefix(accountID, photoSetID), imageBaseName, index, extensionFor(mimeType))
}

func uploadPrefix(accountID string) string {
	return strings.Join([]string{pathRoot, accountSegment(accountID), pathUploads}, "/") + "/"
}

func uploadObjectPath(accountID string, name string, mimeType string) string {
	return uploadPrefix(accountID) + name + "." + extensionFor(mimeType)
}

func normalizeMIME(mimeType string) string {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	if index := strings.Index(normalized, ";"); index >= 0 {
		normalized = strings.TrimSpace(normalized[:index])
	}
	return normalized
}

func supportedMIME(mimeType string) bool {
	_, ok := extensionsByMIME[normalizeMIME(mimeType)]
	return ok
}

func extensionFor(mimeType string) string {
	if extension, ok := extensionsByMIME[normalizeMIME(mimeType)]; ok {
		return extension
	}
	return "png"
}
