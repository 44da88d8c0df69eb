package artifacts

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/transport/http"
	"github.com/opencontainers/go-digest"
	"k8s.io/utils/pointer"
	apierrors "kubegems.io/modelkit/pkg/errors"
)

const s3DigestMetadataKey = "modelkit-digest"

// S3Options configures the S3 compatible store behind s3:// artifact locations.
// The bucket comes from the location itself.
type S3Options struct {
	URL           string        `json:"url,omitempty"`
	Region        string        `json:"region,omitempty"`
	Bucket        string        `json:"bucket,omitempty"`
	AccessKey     string        `json:"accessKey,omitempty"`
	SecretKey     string        `json:"secretKey,omitempty"`
	PresignExpire time.Duration `json:"presignExpire,omitempty"`
	PathStyle     bool          `json:"pathStyle,omitempty"`
}

func NewDefaultS3Options() *S3Options {
	return &S3Options{PresignExpire: time.Hour, PathStyle: true}
}

var _ FSProvider = &S3StorageProvider{}

type S3StorageProvider struct {
	Bucket  string
	Client  *s3.Client
	PreSign *s3.PresignClient
	Expire  time.Duration
	Prefix  string
}

// NewS3FSProvider stores blobs under prefix of the options' bucket.
func NewS3FSProvider(ctx context.Context, options *S3Options, prefix string) (*S3StorageProvider, error) {
	loaders := []func(*config.LoadOptions) error{
		config.WithRegion(options.Region),
	}
	if options.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, ""),
		))
	}
	if options.URL != "" {
		loaders = append(loaders, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: options.URL}, nil
				},
			),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, err
	}
	s3cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = options.PathStyle
	})
	return &S3StorageProvider{
		Bucket:  options.Bucket,
		Client:  s3cli,
		Expire:  options.PresignExpire,
		Prefix:  strings.Trim(prefix, "/"),
		PreSign: s3.NewPresignClient(s3cli),
	}, nil
}

func (m *S3StorageProvider) Put(ctx context.Context, path string, content BlobContent) error {
	uploadobj := &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           m.prefixedKey(path),
		Body:          content.Content,
		ContentLength: content.ContentLength,
		ContentType:   aws.String(content.ContentType),
	}
	if content.Digest != "" {
		uploadobj.Metadata = map[string]string{s3DigestMetadataKey: content.Digest.String()}
	}
	if _, err := manager.NewUploader(m.Client).Upload(ctx, uploadobj); err != nil {
		return apierrors.NewInternalError(err)
	}
	return nil
}

func (m *S3StorageProvider) PutLocation(ctx context.Context, path string) (string, error) {
	putobj := &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    m.prefixedKey(path),
	}
	out, err := m.PreSign.PresignPutObject(ctx, putobj, s3.WithPresignExpires(m.Expire))
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (m *S3StorageProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if !recursive {
		_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.Bucket),
			Key:    m.prefixedKey(path),
		})
		return err
	}
	objects, err := m.List(ctx, path, true)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}
	objectsids := make([]s3types.ObjectIdentifier, 0, len(objects))
	for _, object := range objects {
		objectsids = append(objectsids, s3types.ObjectIdentifier{Key: m.prefixedKey(path + "/" + object.Name)})
	}
	_, err = m.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(m.Bucket),
		Delete: &s3types.Delete{Objects: objectsids},
	})
	return err
}

func (m *S3StorageProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	getobjout, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    m.prefixedKey(path),
	})
	if err != nil {
		if IsS3StorageNotFound(err) {
			return BlobContent{}, apierrors.NewResourceNotFoundError("artifact '" + path + "' not found")
		}
		return BlobContent{}, err
	}
	return BlobContent{
		Content:         getobjout.Body,
		ContentType:     pointer.StringDeref(getobjout.ContentType, ""),
		ContentLength:   getobjout.ContentLength,
		ContentEncoding: pointer.StringDeref(getobjout.ContentEncoding, ""),
		Digest:          digest.Digest(getobjout.Metadata[s3DigestMetadataKey]),
	}, nil
}

func (m *S3StorageProvider) GetLocation(ctx context.Context, path string) (string, error) {
	getobj := &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    m.prefixedKey(path),
	}
	out, err := m.PreSign.PresignGetObject(ctx, getobj, s3.WithPresignExpires(m.Expire))
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (m *S3StorageProvider) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := m.head(ctx, path); err != nil {
		if IsS3StorageNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Digest returns the digest recorded at upload time, empty when none was recorded.
func (m *S3StorageProvider) Digest(ctx context.Context, path string) (digest.Digest, error) {
	out, err := m.head(ctx, path)
	if err != nil {
		return "", err
	}
	return digest.Digest(out.Metadata[s3DigestMetadataKey]), nil
}

func (m *S3StorageProvider) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	return m.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(m.Bucket), Key: m.prefixedKey(path)})
}

func (m *S3StorageProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	prefix := *m.prefixedKey(path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	listinput := &s3.ListObjectsInput{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		listinput.Delimiter = aws.String("/")
	}
	result := []FsObjectMeta{}
	for {
		listobjout, err := m.Client.ListObjects(ctx, listinput)
		if err != nil {
			return nil, err
		}
		for _, obj := range listobjout.Contents {
			result = append(result, FsObjectMeta{
				Name:         strings.TrimPrefix(*obj.Key, prefix),
				Size:         obj.Size,
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		for _, common := range listobjout.CommonPrefixes {
			result = append(result, FsObjectMeta{
				Name:  strings.TrimSuffix(strings.TrimPrefix(*common.Prefix, prefix), "/"),
				IsDir: true,
			})
		}
		if !listobjout.IsTruncated {
			break
		}
		switch {
		case listobjout.NextMarker != nil:
			listinput.Marker = listobjout.NextMarker
		case len(listobjout.Contents) > 0:
			listinput.Marker = listobjout.Contents[len(listobjout.Contents)-1].Key
		default:
			return result, nil
		}
	}
	return result, nil
}

func IsS3StorageNotFound(err error) bool {
	var apie *http.ResponseError
	if errors.As(err, &apie) {
		return apie.HTTPStatusCode() == 404
	}
	return false
}

func (m *S3StorageProvider) prefixedKey(key string) *string {
	return aws.String(strings.TrimPrefix(path.Join(m.Prefix, key), "/"))
}
