package storage

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"paper-graph/config"
)

// ArtifactStore legt Volltexte ab und liefert einen Locator zurück.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// S3Endpoint beschreibt einen S3-kompatiblen Endpunkt (z.B. Strato HiDrive).
type S3Endpoint struct {
	URL    string
	Region string
	Key    string
	Secret string
}

// NewS3Client erstellt einen S3-Client für einen festen Endpunkt.
func NewS3Client(ep S3Endpoint) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               ep.URL,
				SigningRegion:     ep.Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(ep.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ep.Key, ep.Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// S3Artifacts ist der ArtifactStore auf einem S3-Bucket.
type S3Artifacts struct {
	Client  *s3.Client
	Bucket  string
	BaseURL string
}

// NewS3Artifacts baut den Artefakt-Speicher aus der Konfiguration.
func NewS3Artifacts(cfg *config.Config) (*S3Artifacts, error) {
	client, err := NewS3Client(S3Endpoint{
		URL:    cfg.ArtifactS3URL,
		Region: cfg.ArtifactS3Region,
		Key:    cfg.ArtifactS3Key,
		Secret: cfg.ArtifactS3Secret,
	})
	if err != nil {
		return nil, err
	}
	return &S3Artifacts{Client: client, Bucket: cfg.ArtifactS3Bucket, BaseURL: cfg.ArtifactS3URL}, nil
}

// Put lädt eine Datei ins S3 hoch und gibt den Link zurück.
func (s *S3Artifacts) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.BaseURL, "/"), s.Bucket, key), nil
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ArtifactKey baut "<source>/<bereinigte id>.pdf".
func ArtifactKey(source, id string) string {
	clean := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(id), "_")
	clean = strings.Trim(clean, "_.")
	if clean == "" {
		clean = "unnamed"
	}
	return fmt.Sprintf("%s/%s.pdf", unsafeKeyChars.ReplaceAllString(source, "_"), clean)
}

// UploadObject lädt beliebige Daten hoch (z.B. Datenbank-Backups).
func UploadObject(ctx context.Context, client *s3.Client, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// RotateObjects löscht alle Objekte unter prefix bis auf die keep neuesten
// und gibt die gelöschten Keys zurück.
func RotateObjects(ctx context.Context, client *s3.Client, bucket, prefix string, keep int) ([]string, error) {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, err
	}
	if len(output.Contents) <= keep {
		return nil, nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	var deleted []string
	for _, obj := range output.Contents[keep:] {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err)
		}
		deleted = append(deleted, aws.ToString(obj.Key))
	}
	return deleted, nil
}
