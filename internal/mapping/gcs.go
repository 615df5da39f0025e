package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps the document in one Cloud Storage object and uses the
// object generation as its version.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

func NewGCSStore(client *storage.Client, bucket, object string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, object: object}
}

func (s *GCSStore) Load(ctx context.Context) (Document, string, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Document{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.object, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read gs://%s/%s: %w", s.bucket, s.object, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, "", err
	}
	return doc, strconv.FormatInt(r.Attrs.Generation, 10), nil
}

func (s *GCSStore) Save(ctx context.Context, doc Document, version string) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(s.object)
	if version == "" {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		gen, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid gcs generation %q: %w", version, err)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode mapping document: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", s.saveError(err)
	}
	if err := w.Close(); err != nil {
		return "", s.saveError(err)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (s *GCSStore) saveError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return ErrVersionConflict
	}
	return fmt.Errorf("write gs://%s/%s: %w", s.bucket, s.object, err)
}
