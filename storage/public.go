package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"farmcorner/domain"
)

const (
	publicPrefix     = "alerts/"
	maxPublicPayload = 1 << 20
)

type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucketName, policy string) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// PublishResult reports the outcome of a broadcast publication.
type PublishResult struct {
	OK        bool   `json:"ok"`
	PublicURL string `json:"publicUrl,omitempty"`
}

// PublicStore publishes alert collections to a publicly readable bucket and
// polls published documents over plain HTTP.
type PublicStore struct {
	objects objectStore
	bucket  string
	baseURL string
	http    *http.Client
	logger  *log.Logger
	now     func() time.Time

	mu    sync.Mutex
	ready bool
}

// NewPublicStore connects to an S3 compatible endpoint. baseURL is the
// public prefix objects are served from; it defaults to the endpoint URL
// followed by the bucket name.
func NewPublicStore(endpoint, accessKey, secretKey, bucket string, useTLS bool, baseURL string, logger *log.Logger) (*PublicStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("public store client: %w", err)
	}
	if baseURL == "" {
		baseURL = client.EndpointURL().String() + "/" + bucket
	}
	return newPublicStore(client, bucket, baseURL, &http.Client{Timeout: 10 * time.Second}, logger), nil
}

func newPublicStore(objects objectStore, bucket, baseURL string, hc *http.Client, logger *log.Logger) *PublicStore {
	if logger == nil {
		panic("logger is required")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &PublicStore{
		objects: objects,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logger,
		now:     time.Now,
	}
}

// URL returns the public address of the document published for key.
func (p *PublicStore) URL(key string) string {
	return p.baseURL + "/" + publicPrefix + key + ".json"
}

// Publish overwrites the public document for key. The bucket and its public
// read policy are created on first use.
func (p *PublicStore) Publish(ctx context.Context, key string, records []domain.Record) PublishResult {
	if p.objects == nil {
		return PublishResult{}
	}
	raw, err := domain.Serialize(records)
	if err != nil {
		p.logger.WithError(err).Errorf("publish encode failed, key=%s", key)
		return PublishResult{}
	}
	if err := p.ensureBucket(ctx); err != nil {
		p.logger.WithError(err).Warnf("publish bucket setup failed, bucket=%s", p.bucket)
		return PublishResult{}
	}
	data := []byte(raw)
	_, err = p.objects.PutObject(ctx, p.bucket, publicPrefix+key+".json", bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "no-cache, max-age=0",
	})
	if err != nil {
		p.logger.WithError(err).Warnf("publish failed, key=%s, records=%d", key, len(records))
		return PublishResult{}
	}
	return PublishResult{OK: true, PublicURL: p.URL(key)}
}

// EnsureBucket creates the bucket and its public read policy ahead of the
// first publication.
func (p *PublicStore) EnsureBucket(ctx context.Context) error {
	if p.objects == nil {
		return errors.New("public store not configured")
	}
	return p.ensureBucket(ctx)
}

func (p *PublicStore) ensureBucket(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	exists, err := p.objects.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.objects.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	if err := p.objects.SetBucketPolicy(ctx, p.bucket, publicReadPolicy(p.bucket)); err != nil {
		return err
	}
	p.ready = true
	return nil
}

// Poll fetches a published document without credentials. It returns nil on
// any transport error, non-200 status or malformed body.
func (p *PublicStore) Poll(ctx context.Context, rawURL string) []domain.Record {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(p.now().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.WithError(err).Debugf("public poll failed, url=%s", rawURL)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Debugf("public poll status %d, url=%s", resp.StatusCode, rawURL)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPublicPayload))
	if err != nil {
		return nil
	}
	records, err := domain.Decode(body)
	if err != nil {
		return nil
	}
	return records
}

func publicReadPolicy(bucket string) string {
	return `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::` + bucket + `/` + publicPrefix + `*"]}]}`
}
