package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditledger/pkg/audit"
	"github.com/platinummonkey/auditledger/pkg/audit/export"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/auditledger/pkg/audit/archive")

// Object metadata keys
const (
	MetaChecksum = "checksum-sha256"
	MetaChainID  = "audit-chain-id"
	MetaRecords  = "audit-records"
	MetaHead     = "audit-head-signature"
)

// Config locates the archive bucket
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// Prefix is prepended to every object key
	Prefix string
	// CreateBucket creates the bucket when it is missing (local MinIO)
	CreateBucket bool
}

// objectAPI is the subset of *s3.Client the archiver uses
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Archiver writes each chain as one NDJSON object before a purge
type S3Archiver struct {
	client objectAPI
	bucket string
	prefix string
	logger *observability.Logger
	now    func() time.Time
}

// NewS3Archiver loads AWS configuration and returns an archiver. Static
// credentials are used when both keys are set, otherwise the default chain.
func NewS3Archiver(ctx context.Context, cfg Config, logger *observability.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	a := newS3Archiver(client, cfg, logger)
	if cfg.CreateBucket {
		if err := a.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newS3Archiver(client objectAPI, cfg Config, logger *observability.Logger) *S3Archiver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.WithField("component", "archive"),
		now:    time.Now,
	}
}

// Key returns the object key for a chain archived at t
func (a *S3Archiver) Key(chainID string, t time.Time) string {
	return path.Join(a.prefix, "chains", chainID, t.UTC().Format("20060102T150405.000000000Z")+".ndjson")
}

// Archive uploads records of one chain in append order
func (a *S3Archiver) Archive(ctx context.Context, chainID string, records []*audit.Record) error {
	key := a.Key(chainID, a.now())
	ctx, span := tracer.Start(ctx, "S3.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.records", len(records)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	if err := export.Records(export.FormatNDJSON, &buf, records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode chain")
		return err
	}
	sum := sha256.Sum256(buf.Bytes())

	meta := map[string]string{
		MetaChecksum: hex.EncodeToString(sum[:]),
		MetaChainID:  chainID,
		MetaRecords:  strconv.Itoa(len(records)),
	}
	if n := len(records); n > 0 {
		meta[MetaHead] = records[n-1].Signature
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(export.FormatNDJSON.ContentType()),
		Metadata:    meta,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.WithFields(map[string]any{"key": key, "records": len(records)}).Info("chain archived to s3")
	return nil
}

// Fetch downloads an archived chain. The stored checksum is verified before
// records are decoded.
func (a *S3Archiver) Fetch(ctx context.Context, key string) ([]*audit.Record, error) {
	ctx, span := tracer.Start(ctx, "S3.Fetch", trace.WithAttributes(attribute.String("s3.key", key)))
	defer span.End()

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if want := out.Metadata[MetaChecksum]; want != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return nil, fmt.Errorf("archive %s: checksum mismatch", key)
		}
	}
	return decode(data)
}

func decode(data []byte) ([]*audit.Record, error) {
	var records []*audit.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}

// HealthCheck verifies the bucket is reachable
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *S3Archiver) ensureBucket(ctx context.Context) error {
	if a.HealthCheck(ctx) == nil {
		return nil
	}
	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return nil
	}
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return fmt.Errorf("failed to create bucket: %w", err)
}
