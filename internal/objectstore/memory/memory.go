// Package memory provides an in-process object store for tests and local development.
package memory

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore"
)

var (
	_ objectstore.Store = (*Store)(nil)
	_ http.Handler      = (*Store)(nil)
)

const defaultBaseURL = "memory://objects"

// Store keeps objects in a map guarded by a mutex.
type Store struct {
	mutex      sync.RWMutex
	objects    map[string]objectstore.Object
	baseURL    string
	signingKey []byte
	now        func() time.Time
}

// New builds an empty store. Signed URLs are HMAC-tagged so tests can verify expiry handling.
func New(baseURL string, signingKey []byte) *Store {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Store{
		objects:    make(map[string]objectstore.Object),
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: append([]byte(nil), signingKey...),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (store *Store) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", objectstore.ErrInvalidPath)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", objectstore.ErrInvalidInput)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.objects[trimmed] = objectstore.Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return trimmed, nil
}

func (store *Store) Get(ctx context.Context, ref string) (objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.Object{}, err
	}
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	object, ok := store.objects[ref]
	if !ok {
		return objectstore.Object{}, fmt.Errorf("%w: %s", objectstore.ErrNotFound, ref)
	}
	return objectstore.Object{Data: append([]byte(nil), object.Data...), ContentType: object.ContentType}, nil
}

func (store *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(prefix)
	if strings.Trim(trimmed, "/") == "" {
		return fmt.Errorf("%w: refusing to delete an empty prefix", objectstore.ErrInvalidPath)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for key := range store.objects {
		if strings.HasPrefix(key, trimmed) {
			delete(store.objects, key)
		}
	}
	return nil
}

func (store *Store) SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	store.mutex.RLock()
	_, ok := store.objects[ref]
	store.mutex.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", objectstore.ErrNotFound, ref)
	}
	expires := strconv.FormatInt(store.now().Add(ttl).Unix(), 10)
	query := url.Values{}
	query.Set("expires", expires)
	query.Set("signature", store.sign(ref, expires))
	return store.baseURL + "/" + ref + "?" + query.Encode(), nil
}

// ServeHTTP serves objects addressed by URLs from SignedURL. The request path is the ref.
// Unsigned, forged and expired links are answered with 403.
func (store *Store) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet && request.Method != http.MethodHead {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref := strings.TrimPrefix(request.URL.Path, "/")
	expires := request.URL.Query().Get("expires")
	expiresUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || store.now().Unix() > expiresUnix {
		http.Error(writer, "link expired", http.StatusForbidden)
		return
	}
	provided, err := hex.DecodeString(request.URL.Query().Get("signature"))
	expected, _ := hex.DecodeString(store.sign(ref, expires))
	if err != nil || !hmac.Equal(provided, expected) {
		http.Error(writer, "invalid signature", http.StatusForbidden)
		return
	}
	object, err := store.Get(request.Context(), ref)
	if err != nil {
		http.NotFound(writer, request)
		return
	}
	writer.Header().Set("Content-Type", object.ContentType)
	writer.Header().Set("Content-Length", strconv.Itoa(len(object.Data)))
	writer.WriteHeader(http.StatusOK)
	if request.Method == http.MethodGet {
		_, _ = writer.Write(object.Data)
	}
}

// Len reports how many objects are stored.
func (store *Store) Len() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.objects)
}

func (store *Store) sign(ref string, expires string) string {
	mac := hmac.New(sha256.New, store.signingKey)
	mac.Write([]byte(ref + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}
