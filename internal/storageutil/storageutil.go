package storageutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/sampleagg/internal/errorutil"
)

// CompressedExtension marks objects holding lz4 compressed JSON.
const CompressedExtension = ".lz4"

const defaultTimeout = 30 * time.Second

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = fmt.Errorf("storageutil: %w: object not found", errorutil.ErrNoResults)

// IsCompressed reports whether objectName is lz4 compressed.
func IsCompressed(objectName string) bool {
	return strings.HasSuffix(objectName, CompressedExtension)
}

// CompressedWrite compresses and writes data to the bucket.
func CompressedWrite(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	ow, err := b.NewWriter(ctx, objectName, nil)
	if err != nil {
		return err
	}
	if err := Encode(ow, d); err != nil {
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// UnmarshalCompressed reads compressed JSON data from the bucket and unmarshals it.
func UnmarshalCompressed(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	or, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		return notFound(err)
	}
	defer or.Close()
	return Decode(or, d)
}

// Unmarshal reads JSON data from the bucket, decompressing it if the object
// name ends with CompressedExtension.
func Unmarshal(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	if IsCompressed(objectName) {
		return UnmarshalCompressed(ctx, b, objectName, d)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	or, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		return notFound(err)
	}
	defer or.Close()
	return json.NewDecoder(or).Decode(d)
}

// Encode writes d as lz4 compressed JSON.
func Encode(w io.Writer, d interface{}) error {
	zw := lz4.NewWriter(w)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	if err := json.NewEncoder(zw).Encode(d); err != nil {
		return err
	}
	return zw.Close()
}

// Decode reads lz4 compressed JSON into d.
func Decode(r io.Reader, d interface{}) error {
	zr := lz4.NewReader(r)
	return json.NewDecoder(zr).Decode(d)
}

func notFound(err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrObjectNotFound
	}
	return err
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
