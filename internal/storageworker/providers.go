package storageworker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// NewProvider builds the Provider named by kind ("s3", "gcs" or
// "azure"), matching internal/config's StorageProvider setting.
func NewProvider(ctx context.Context, kind string) (Provider, error) {
	switch kind {
	case "s3":
		return newS3Provider(ctx)
	case "gcs":
		return newGCSProvider(ctx)
	case "azure":
		return newAzureProvider(ctx)
	default:
		return nil, fmt.Errorf("storageworker: unknown storage provider %q", kind)
	}
}

// --- S3 ---

type s3Provider struct {
	client *s3.Client
}

func newS3Provider(ctx context.Context) (Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageworker: load AWS config: %w", err)
	}
	return &s3Provider{client: s3.NewFromConfig(cfg)}, nil
}

func (p *s3Provider) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storageworker: s3 list page: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return keys, nil
}

func (p *s3Provider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storageworker: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (p *s3Provider) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return fmt.Errorf("storageworker: s3 put %s: %w", key, err)
	}
	return nil
}

// --- GCS ---

type gcsProvider struct {
	client *gcstorage.Client
}

func newGCSProvider(ctx context.Context) (Provider, error) {
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageworker: create GCS client: %w", err)
	}
	return &gcsProvider{client: client}, nil
}

func (p *gcsProvider) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	it := p.client.Bucket(bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storageworker: gcs list: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, prefix))
	}
	return keys, nil
}

func (p *gcsProvider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := p.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storageworker: gcs get %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (p *gcsProvider) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	w := p.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storageworker: gcs put %s: %w", key, err)
	}
	return w.Close()
}

// --- Azure Blob ---

type azureProvider struct {
	client *azblob.Client
}

func newAzureProvider(ctx context.Context) (Provider, error) {
	accountURL := "https://" + mustAzureAccount() + ".blob.core.windows.net/"
	cred, err := azblob.NewSharedKeyCredential(mustAzureAccount(), mustAzureKey())
	if err != nil {
		return nil, fmt.Errorf("storageworker: azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("storageworker: azure client: %w", err)
	}
	return &azureProvider{client: client}, nil
}

func (p *azureProvider) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	pager := p.client.NewListBlobsFlatPager(bucket, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storageworker: azure list page: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			keys = append(keys, strings.TrimPrefix(*item.Name, prefix))
		}
	}
	return keys, nil
}

func (p *azureProvider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := p.client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		return nil, fmt.Errorf("storageworker: azure get %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (p *azureProvider) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := p.client.UploadBuffer(ctx, bucket, key, data, nil)
	if err != nil {
		return fmt.Errorf("storageworker: azure put %s: %w", key, err)
	}
	return nil
}

// mustAzureAccount/mustAzureKey resolve credentials from the environment;
// kept as unexported helpers rather than reading env vars inline so a
// future credential source (e.g. managed identity) is a one-function
// change.
func mustAzureAccount() string { return os.Getenv("AZURE_STORAGE_ACCOUNT") }
func mustAzureKey() string     { return os.Getenv("AZURE_STORAGE_KEY") }
