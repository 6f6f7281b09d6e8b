// Package crldist uploads the CRL to the object storage which serves it to the relying parties.
package crldist

import (
	"bytes"
	"context"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/logger"
)

const ContentTypeCRL = "application/pkix-crl"

type Publisher interface {
	Publish(ctx context.Context, der []byte) error
}

type ObjectStoragePublisher struct {
	client *minio.Client
	bucket string
	path   string
}

var _ Publisher = &ObjectStoragePublisher{}

// NewObjectStoragePublisher returns the publisher for an S3 compatible storage.
// transport can be nil.
func NewObjectStoragePublisher(conf *config.CRLDistribution, transport http.RoundTripper) (*ObjectStoragePublisher, error) {
	creds := credentials.NewStaticV4(conf.AccessKeyID, conf.SecretAccessKey, "")
	mc, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    conf.Secure,
		Region:    conf.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return &ObjectStoragePublisher{client: mc, bucket: conf.Bucket, path: conf.Path}, nil
}

func (p *ObjectStoragePublisher) Publish(ctx context.Context, der []byte) error {
	info, err := p.client.PutObject(ctx, p.bucket, p.path, bytes.NewReader(der), int64(len(der)), minio.PutObjectOptions{
		ContentType: ContentTypeCRL,
	})
	if err != nil {
		return xerrors.WithStack(err)
	}
	logger.Log.Debug("Published CRL", zap.String("bucket", info.Bucket), zap.String("key", info.Key), zap.Int64("size", info.Size))

	return nil
}
