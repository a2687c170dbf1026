package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/adreel-io/adreel/internal/ir"
)

const (
	defaultLeaseTTL   = 30 * time.Second
	leaseRetryBackoff = 100 * time.Millisecond
	maxLeaseBackoff   = 2 * time.Second
)

// S3API is the subset of the S3 client used by DynamoStore.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoConfig locates the shared quota object and its lock table.
type DynamoConfig struct {
	Bucket  string
	Key     string
	Table   string
	Region  string
	Profile string
}

// DynamoStore keeps quota state as a JSON object in S3 and serialises
// writers with a lease item in DynamoDB. Leases expire so a crashed holder
// cannot wedge the fleet.
type DynamoStore struct {
	bucket string
	key    string
	table  string
	ttl    time.Duration
	owner  string

	s3Client S3API
	dbClient DynamoAPI
	now      func() time.Time
}

// NewDynamoStore builds a store from the default AWS credential chain.
func NewDynamoStore(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.Bucket == "" || cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb quota store requires a bucket and a table")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewDynamoStoreWithClients(cfg, s3.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoStoreWithClients builds a store over caller-supplied clients.
func NewDynamoStoreWithClients(cfg DynamoConfig, s3Client S3API, dbClient DynamoAPI) *DynamoStore {
	key := cfg.Key
	if key == "" {
		key = "adreel/quota.json"
	}
	host, _ := os.Hostname()
	return &DynamoStore{
		bucket:   cfg.Bucket,
		key:      key,
		table:    cfg.Table,
		ttl:      defaultLeaseTTL,
		owner:    fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
		s3Client: s3Client,
		dbClient: dbClient,
		now:      time.Now,
	}
}

func (s *DynamoStore) Transact(ctx context.Context, fn func(map[string]*ir.QuotaState) (bool, error)) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	states, err := s.read(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(states)
	if err != nil || !changed {
		return err
	}
	return s.write(ctx, states)
}

func (s *DynamoStore) Close() error { return nil }

// acquire puts the lease item, succeeding when no lease exists or the
// existing one has expired. Contention backs off exponentially.
func (s *DynamoStore) acquire(ctx context.Context) error {
	backoff := leaseRetryBackoff
	for {
		now := s.now()
		_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item: map[string]dbtypes.AttributeValue{
				"LockID":  &dbtypes.AttributeValueMemberS{Value: s.key},
				"Info":    &dbtypes.AttributeValueMemberS{Value: s.owner},
				"Expires": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttl).Unix(), 10)},
			},
			ConditionExpression: aws.String("attribute_not_exists(LockID) OR Expires < :now"),
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("failed to acquire quota lease: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxLeaseBackoff {
			backoff = maxLeaseBackoff
		}
	}
}

// release deletes the lease only if this store still owns it.
func (s *DynamoStore) release() {
	_, _ = s.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key},
		},
		ConditionExpression: aws.String("Info = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: s.owner},
		},
	})
}

func (s *DynamoStore) read(ctx context.Context) (map[string]*ir.QuotaState, error) {
	states := make(map[string]*ir.QuotaState)
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read quota state from s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota object body: %w", err)
	}
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("failed to parse quota state: %w", err)
	}
	return states, nil
}

func (s *DynamoStore) write(ctx context.Context, states map[string]*ir.QuotaState) error {
	data, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to encode quota state: %w", err)
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write quota state to s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
