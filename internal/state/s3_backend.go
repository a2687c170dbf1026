package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/adreel-io/adreel/internal/ir"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// LockAPI is the subset of the DynamoDB client used for run locks.
type LockAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Backend stores run snapshots as S3 objects with optional DynamoDB
// locking.
type S3Backend struct {
	bucket        string
	prefix        string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	s3Client S3API
	dbClient LockAPI
	lockIDs  map[string]string
}

func newS3Backend(ctx context.Context, config map[string]string) (*S3Backend, error) {
	b, err := parseS3Config(config)
	if err != nil {
		return nil, err
	}
	if err := b.initClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	return b, nil
}

// NewS3BackendWithClients builds a backend around existing clients. A nil
// lock client disables locking.
func NewS3BackendWithClients(config map[string]string, s3Client S3API, dbClient LockAPI) (*S3Backend, error) {
	b, err := parseS3Config(config)
	if err != nil {
		return nil, err
	}
	b.s3Client = s3Client
	if dbClient != nil {
		b.dbClient = dbClient
	} else {
		b.dynamoDBTable = ""
	}
	return b, nil
}

func parseS3Config(config map[string]string) (*S3Backend, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	prefix := strings.Trim(config["prefix"], "/")
	if prefix == "" {
		prefix = "adreel/runs"
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	return &S3Backend{
		bucket:        bucket,
		prefix:        prefix,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		encrypt:       config["encrypt"] == "true",
		profile:       config["profile"],
		lockIDs:       make(map[string]string),
	}, nil
}

func (b *S3Backend) initClients(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)

	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}

	return nil
}

func (b *S3Backend) key(runID string) string {
	return path.Join(b.prefix, runID+".json")
}

func (b *S3Backend) Read(ctx context.Context, runID string) (*ir.PipelineState, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	key := b.key(runID)
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run from s3://%s/%s: %w", b.bucket, key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return Decode(buf.Bytes())
}

func (b *S3Backend) Write(ctx context.Context, st *ir.PipelineState) error {
	if err := validRunID(st.RunID); err != nil {
		return err
	}
	data, err := Encode(st)
	if err != nil {
		return err
	}

	key := b.key(st.RunID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write run to s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context) ([]*ir.PipelineState, error) {
	var (
		runs  []*ir.PipelineState
		token *string
	)
	for {
		out, err := b.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range out.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			st, err := b.Read(ctx, strings.TrimSuffix(name, ".json"))
			if err != nil {
				return nil, err
			}
			runs = append(runs, st)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	SortRuns(runs)
	return runs, nil
}

func (b *S3Backend) Lock(ctx context.Context, runID string) error {
	if b.dynamoDBTable == "" {
		return nil // No locking without DynamoDB
	}

	lockID := fmt.Sprintf("adreel-%d-%d", os.Getpid(), time.Now().UnixNano())
	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key(runID)},
			"Info":    &dbtypes.AttributeValueMemberS{Value: lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) || strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("run %s is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", runID, b.key(runID), b.dynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	b.lockIDs[runID] = lockID
	return nil
}

func (b *S3Backend) Unlock(runID string) error {
	if b.dynamoDBTable == "" {
		return nil
	}

	lockID, ok := b.lockIDs[runID]
	if !ok {
		return nil
	}
	_, err := b.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key(runID)},
		},
		ConditionExpression:       aws.String("Info = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{":owner": &dbtypes.AttributeValueMemberS{Value: lockID}},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	delete(b.lockIDs, runID)
	return nil
}
