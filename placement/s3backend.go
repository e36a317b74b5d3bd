package placement

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// awsS3Backend is the production S3Backend, used when a placement root
// is configured as an s3://bucket/prefix URI.
type awsS3Backend struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3Backend builds an S3Backend for bucket using the default AWS
// session/credential chain.
func NewS3Backend(bucket, region string) (S3Backend, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("placement: creating aws session: %w", err)
	}

	return &awsS3Backend{
		bucket:     bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

func (b *awsS3Backend) Put(key string, data []byte) error {
	_, err := b.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (b *awsS3Backend) Delete(key string) error {
	_, err := b.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (b *awsS3Backend) Exists(key string) (bool, error) {
	_, err := b.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "NotFound") {
		return false, nil
	}
	return false, err
}
