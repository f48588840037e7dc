// Package docstore persists the supporting documents (receipts, invoices)
// behind reimbursement requests. Documents are content-addressed: the key is
// the keccak256 of the payload, which is the same hash a request commits to
// as its DocumentHash.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxDocumentSize int64 = 8 << 20
)

var (
	ErrInvalidConfig = errors.New("docstore: invalid config")
	ErrEmptyDocument = errors.New("docstore: empty document")
	ErrNotFound      = errors.New("docstore: not found")
	ErrTooLarge      = errors.New("docstore: document too large")
	ErrCorrupted     = errors.New("docstore: stored payload does not match hash")
)

// Store provides durable persistence for request supporting documents.
type Store interface {
	// Put stores payload and returns its content hash. Storing the same
	// payload twice is a no-op returning the same hash.
	Put(ctx context.Context, payload []byte, contentType string) (common.Hash, error)
	Get(ctx context.Context, hash common.Hash) (Document, error)
	Exists(ctx context.Context, hash common.Hash) (bool, error)
}

type Document struct {
	Hash        common.Hash
	Data        []byte
	ContentType string
	StoredAt    time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxDocumentSize bounds both stored and fetched payloads. Defaults to
	// 8 MiB when <= 0.
	MaxDocumentSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = defaultMaxDocumentSize
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return &memoryStore{
			prefix:  normalizePrefix(cfg.Prefix),
			maxSize: cfg.MaxDocumentSize,
			docs:    make(map[common.Hash]memoryDocument),
		}, nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return strings.Trim(prefix, "/")
}

func objectKey(prefix string, hash common.Hash) string {
	key := hash.Hex()
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func validatePayload(payload []byte, maxSize int64) (common.Hash, error) {
	if len(payload) == 0 {
		return common.Hash{}, ErrEmptyDocument
	}
	if int64(len(payload)) > maxSize {
		return common.Hash{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(payload), maxSize)
	}
	return crypto.Keccak256Hash(payload), nil
}

type memoryDocument struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

type memoryStore struct {
	prefix  string
	maxSize int64

	mu   sync.RWMutex
	docs map[common.Hash]memoryDocument
}

func (m *memoryStore) Put(_ context.Context, payload []byte, contentType string) (common.Hash, error) {
	hash, err := validatePayload(payload, m.maxSize)
	if err != nil {
		return common.Hash{}, err
	}

	m.mu.Lock()
	if _, ok := m.docs[hash]; !ok {
		m.docs[hash] = memoryDocument{
			data:        append([]byte(nil), payload...),
			contentType: strings.TrimSpace(contentType),
			storedAt:    time.Now().UTC(),
		}
	}
	m.mu.Unlock()
	return hash, nil
}

func (m *memoryStore) Get(_ context.Context, hash common.Hash) (Document, error) {
	m.mu.RLock()
	doc, ok := m.docs[hash]
	m.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	return Document{
		Hash:        hash,
		Data:        append([]byte(nil), doc.data...),
		ContentType: doc.contentType,
		StoredAt:    doc.storedAt,
	}, nil
}

func (m *memoryStore) Exists(_ context.Context, hash common.Hash) (bool, error) {
	m.mu.RLock()
	_, ok := m.docs[hash]
	m.mu.RUnlock()
	return ok, nil
}

type s3Store struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		maxSize: cfg.MaxDocumentSize,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, payload []byte, contentType string) (common.Hash, error) {
	hash, err := validatePayload(payload, s.maxSize)
	if err != nil {
		return common.Hash{}, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, hash)),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return common.Hash{}, fmt.Errorf("docstore/s3: put %s: %w", hash.Hex(), err)
	}
	return hash, nil
}

func (s *s3Store) Get(ctx context.Context, hash common.Hash) (Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		return Document{}, fmt.Errorf("docstore/s3: get %s: %w", hash.Hex(), err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Document{}, fmt.Errorf("docstore/s3: read %s: %w", hash.Hex(), err)
	}
	if int64(len(data)) > s.maxSize {
		return Document{}, fmt.Errorf("%w: %s exceeds max %d bytes", ErrTooLarge, hash.Hex(), s.maxSize)
	}
	// Content addressing means integrity is checkable on every read.
	if crypto.Keccak256Hash(data) != hash {
		return Document{}, fmt.Errorf("%w: %s", ErrCorrupted, hash.Hex())
	}

	return Document{
		Hash:        hash,
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		StoredAt:    aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, hash common.Hash) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(s.prefix, hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("docstore/s3: head %s: %w", hash.Hex(), err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
