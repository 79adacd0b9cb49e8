package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/roiflow/internal/codec"
	"github.com/dunamismax/roiflow/internal/storage"
	"github.com/pkg/errors"
)

// ObjectStorage is the part of the storage client the stages need.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

var _ ObjectStorage = (*storage.Client)(nil)

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

// ObjectStoreEmitter writes results under storage.OutputKey.
type ObjectStoreEmitter struct {
	Storage ObjectStorage
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := storage.OutputKey(sanitizePathToken(req.JobID), format)
	if err := e.Storage.WriteObject(ctx, objectKey, data, codec.ContentType(format)); err != nil {
		return Output{}, err
	}

	return Output{
		Format: format,
		Path:   objectKey,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}
