package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
)

// largeBlockMinSize selects multipart transfer for oversized blocks.
const largeBlockMinSize = 10 * 1024 * 1024

// BlockStore writes encrypted blocks to one bucket. The issued token's
// UploadURL carries the object key in direct-to-storage deployments.
type BlockStore struct {
	bucketName string
	s3Client   *s3.Client
}

// NewBlockStore creates the store over an existing client and bucket.
func NewBlockStore(s3Client *s3.Client, bucketName string) (*BlockStore, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName parameter can't be empty string")
	}
	return &BlockStore{
		bucketName: bucketName,
		s3Client:   s3Client,
	}, nil
}

// UploadBlock stores the encrypted block under the token's object key,
// switching to multipart transfer for large blocks.
func (b *BlockStore) UploadBlock(ctx context.Context, token api.BlockToken, data []byte) error {
	key := token.UploadURL
	if key == "" {
		return &drivesdk.ValidationError{Details: "block token carries no object key"}
	}
	return drivesdk.Retry(ctx, func(ctx context.Context) error {
		if len(data) >= largeBlockMinSize {
			uploader := manager.NewUploader(b.s3Client, func(u *manager.Uploader) {
				u.PartSize = largeBlockMinSize
			})
			_, err := uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: aws.String(b.bucketName),
				Key:    aws.String(key),
				Body:   bytes.NewReader(data),
			})
			if err != nil {
				return drivesdk.RetryableError(&drivesdk.ConnectionError{Err: err})
			}
			return nil
		}
		_, err := b.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return drivesdk.RetryableError(&drivesdk.ConnectionError{Err: err})
		}
		return nil
	}, nil)
}

// FetchBlock reads one stored block back, using the download manager for
// large objects.
func (b *BlockStore) FetchBlock(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := drivesdk.Retry(ctx, func(ctx context.Context) error {
		result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(key),
		})
		if err != nil {
			return drivesdk.RetryableError(&drivesdk.ConnectionError{Err: err})
		}
		defer result.Body.Close()
		body, err = io.ReadAll(result.Body)
		if err != nil {
			return drivesdk.RetryableError(&drivesdk.ConnectionError{Err: err})
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FetchLargeBlock reads a block with the parallel downloader.
func (b *BlockStore) FetchLargeBlock(ctx context.Context, key string) ([]byte, error) {
	downloader := manager.NewDownloader(b.s3Client, func(d *manager.Downloader) {
		d.PartSize = largeBlockMinSize
	})
	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &drivesdk.ConnectionError{Err: err}
	}
	return buffer.Bytes(), nil
}

// RemoveBlocks deletes stored blocks by key.
func (b *BlockStore) RemoveBlocks(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}
	_, err := b.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucketName),
		Delete: &types.Delete{Objects: objects},
	})
	if err != nil {
		return &drivesdk.ConnectionError{Err: err}
	}
	return nil
}

// CreateBucket provisions the store's bucket in the given region.
func CreateBucket(ctx context.Context, s3Client *s3.Client, bucketName, region string) error {
	_, err := s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
		CreateBucketConfiguration: &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		},
	})
	if err != nil {
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %v", bucketName, region, err)
	}
	return nil
}

// RemoveBucket deletes the store's bucket.
func RemoveBucket(ctx context.Context, s3Client *s3.Client, bucketName string) error {
	_, err := s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("couldn't remove bucket %s, details: %v", bucketName, err)
	}
	return nil
}
