package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store on an S3 bucket for shared, multi-operator use.
// Each stage owns two objects under the prefix: state.json holding the
// committed graph, and lock.json holding the live lock. Lock acquisition
// relies on conditional writes (If-None-Match: *), so exactly one concurrent
// acquirer wins the create.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// S3Config holds S3 store configuration.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store creates an S3 store with a real client.
func NewS3Store(cfg S3Config, logger zerolog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	opts := s3.Options{Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return NewS3StoreWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3StoreWithClient creates an S3 store with an injected client.
func NewS3StoreWithClient(client s3API, bucket, prefix string, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "s3-store").Logger(),
		now:    time.Now,
	}
}

// lockDocument is the serialized form of a stage lock in the bucket.
type lockDocument struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// stateDocument wraps a graph with its version counter.
type stateDocument struct {
	Version int64                `json:"version"`
	Graph   engine.ResourceGraph `json:"graph"`
}

func (s *S3Store) stateKey(stage engine.StageName) string {
	return path.Join(s.prefix, string(stage), "state.json")
}

func (s *S3Store) lockKey(stage engine.StageName) string {
	return path.Join(s.prefix, string(stage), "lock.json")
}

// TryLock implements Store. The lock object is created with a conditional
// put; losing the race reads the winner's document to report contention or
// reap an expired lock.
func (s *S3Store) TryLock(ctx context.Context, stage engine.StageName, holder string, ttl time.Duration) (*engine.LockHandle, error) {
	now := s.now()
	doc := lockDocument{
		Token:      uuid.New().String(),
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := s.putLockIfAbsent(ctx, stage, doc)
	if err == nil {
		return &engine.LockHandle{
			Stage: stage, Token: doc.Token, Holder: doc.Holder,
			AcquiredAt: doc.AcquiredAt, ExpiresAt: doc.ExpiresAt,
		}, nil
	}
	if !isPreconditionFailed(err) {
		return nil, storeErr("put lock object", stage, err)
	}

	existing, err := s.readLock(ctx, stage)
	if err != nil {
		return nil, err
	}
	if existing == nil || s.now().Before(existing.ExpiresAt) {
		holderName := "unknown"
		if existing != nil {
			holderName = existing.Holder
		}
		return nil, engine.NewConflictError(
			fmt.Sprintf("stage lock held by %s", holderName), nil).
			WithCode(engine.ErrCodeLockContention).WithStage(stage)
	}

	// Expired lock: reap it and retry the conditional create once. Another
	// reaper may win the retry, which surfaces as contention.
	s.logger.Warn().Str("stage", string(stage)).Str("holder", existing.Holder).Msg("reaping expired lock")
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.lockKey(stage)),
	}); err != nil {
		return nil, storeErr("reap expired lock", stage, err)
	}
	if err := s.putLockIfAbsent(ctx, stage, doc); err != nil {
		if isPreconditionFailed(err) {
			return nil, engine.NewConflictError("lost reap race for expired lock", nil).
				WithCode(engine.ErrCodeLockContention).WithStage(stage)
		}
		return nil, storeErr("put lock object", stage, err)
	}
	return &engine.LockHandle{
		Stage: stage, Token: doc.Token, Holder: doc.Holder,
		AcquiredAt: doc.AcquiredAt, ExpiresAt: doc.ExpiresAt,
	}, nil
}

func (s *S3Store) putLockIfAbsent(ctx context.Context, stage engine.StageName, doc lockDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.lockKey(stage)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	return err
}

func (s *S3Store) readLock(ctx context.Context, stage engine.StageName) (*lockDocument, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.lockKey(stage)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, storeErr("read lock object", stage, err)
	}
	defer out.Body.Close()

	var doc lockDocument
	if err := json.NewDecoder(out.Body).Decode(&doc); err != nil {
		return nil, engine.NewPermanentError("lock object is corrupt", err).
			WithCode(engine.ErrCodeInternal).WithStage(stage)
	}
	return &doc, nil
}

// ReadState implements Store.
func (s *S3Store) ReadState(ctx context.Context, stage engine.StageName) (*engine.ResourceGraph, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stateKey(stage)),
	})
	if err != nil {
		if isNotFound(err) {
			return &engine.ResourceGraph{Stage: stage}, nil
		}
		return nil, storeErr("read state object", stage, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, storeErr("read state object body", stage, err)
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPermanentError("state object is corrupt", err).
			WithCode(engine.ErrCodeInternal).WithStage(stage)
	}

	graph := doc.Graph
	graph.Stage = stage
	graph.Version = doc.Version
	return &graph, nil
}

// WriteState implements Store. The lock object is re-read before the write;
// a token mismatch or lapsed expiry fails with StaleLock.
func (s *S3Store) WriteState(ctx context.Context, stage engine.StageName, graph *engine.ResourceGraph, lock *engine.LockHandle) error {
	if lock == nil {
		return engine.NewConflictError("write requires a lock", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}
	existing, err := s.readLock(ctx, stage)
	if err != nil {
		return err
	}
	if existing == nil || existing.Token != lock.Token {
		return engine.NewConflictError("lock was released or superseded", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}
	if !s.now().Before(existing.ExpiresAt) {
		return engine.NewConflictError("lock expired before write", nil).
			WithCode(engine.ErrCodeStaleLock).WithStage(stage)
	}

	doc := stateDocument{Version: graph.Version + 1, Graph: *graph}
	doc.Graph.Version = 0
	body, err := json.Marshal(&doc)
	if err != nil {
		return engine.NewPermanentError("state not serializable", err).
			WithCode(engine.ErrCodeInternal).WithStage(stage)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.stateKey(stage)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return storeErr("write state object", stage, err)
	}
	return nil
}

// Unlock implements Store. Only the lock's own token may delete the object;
// a superseded or reaped lock is left alone.
func (s *S3Store) Unlock(ctx context.Context, lock *engine.LockHandle) error {
	existing, err := s.readLock(ctx, lock.Stage)
	if err != nil {
		return err
	}
	if existing == nil || existing.Token != lock.Token {
		return nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.lockKey(lock.Stage)),
	})
	if err != nil {
		return storeErr("delete lock object", lock.Stage, err)
	}
	return nil
}

// Close implements Store.
func (s *S3Store) Close() error { return nil }

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
