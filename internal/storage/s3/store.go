package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"golang.org/x/sync/errgroup"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

const contentTypeJSON = "application/json"

// DocumentStore implements types.WritableRepository over an S3 bucket.
type DocumentStore struct {
	manager *ClientManager
	config  *Config
	metrics *MetricsCollector
	logger  *utils.StructuredLogger
}

// NewDocumentStore connects to the bucket described by cfg. It does not probe the bucket;
// call HealthCheck for that.
func NewDocumentStore(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*DocumentStore, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("s3")

	manager, err := NewClientManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("document store ready", map[string]interface{}{
		"bucket": manager.config.Bucket,
		"prefix": manager.config.Prefix,
	})
	return &DocumentStore{
		manager: manager,
		config:  manager.config,
		metrics: NewMetricsCollector(),
		logger:  logger.WithField("bucket", manager.config.Bucket),
	}, nil
}

// FetchByID reads and decodes <prefix><id>.json.
func (d *DocumentStore) FetchByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	data, err := d.getObject(ctx, d.config.ObjectKey(id))
	if err != nil {
		return nil, err
	}

	entity, err := decodeEntity(data, id)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// FetchByFilter lists the prefix, reads every document and evaluates filter client-side.
// Documents that vanish between list and read, or do not decode, are skipped.
func (d *DocumentStore) FetchByFilter(ctx context.Context, filter types.Filter, pageSize int) ([]types.Entity, error) {
	keys, err := d.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]*types.Entity, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.PoolSize)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			id, _ := d.config.EntityID(key)
			data, err := d.getObject(gctx, key)
			if errors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			entity, err := decodeEntity(data, id)
			if err != nil {
				d.logger.Warn("skipping undecodable document", map[string]interface{}{"key": key, "error": err})
				return nil
			}
			docs[i] = entity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]types.Entity, 0, len(docs))
	for _, e := range docs {
		if e != nil && filter.Matches(*e) {
			out = append(out, *e)
		}
	}
	types.SortEntities(out)
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

// PutEntity validates and writes the entity document.
func (d *DocumentStore) PutEntity(ctx context.Context, entity types.Entity) (err error) {
	if verr := entity.Validate(); verr != nil {
		return errors.Wrap(errors.ErrCodeValidationFailed, "invalid entity", verr).WithComponent("s3")
	}
	data, merr := json.Marshal(entity)
	if merr != nil {
		return errors.Wrap(errors.ErrCodeSerialization, "failed to encode entity", merr).WithComponent("s3")
	}
	key := d.config.ObjectKey(entity.ID)

	start := time.Now()
	defer func() { d.metrics.RecordRequest(time.Since(start), err) }()

	if t := d.manager.Transporter(); t != nil {
		result, uploadErr := t.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata: map[string]string{
				"entity-id":    entity.ID,
				"content-type": contentTypeJSON,
			},
		})
		if uploadErr == nil {
			d.metrics.RecordCargoShipUpload()
			d.metrics.RecordBytesUploaded(int64(len(data)))
			d.logger.Debug("cargoship upload completed", map[string]interface{}{
				"key":      key,
				"size":     len(data),
				"duration": result.Duration,
			})
			return nil
		}
		d.metrics.RecordUploadFallback()
		d.logger.Warn("cargoship upload failed, falling back to PutObject", map[string]interface{}{"key": key, "error": uploadErr})
	}

	client, release, aerr := d.manager.Acquire(ctx)
	if aerr != nil {
		return aerr
	}
	defer release()

	_, perr := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentTypeJSON),
	})
	if perr != nil {
		return d.translateError(perr, "PutEntity", key, true)
	}
	d.metrics.RecordBytesUploaded(int64(len(data)))
	return nil
}

// DeleteEntity removes the entity document. A missing document is ENTITY_NOT_FOUND.
func (d *DocumentStore) DeleteEntity(ctx context.Context, id string) (err error) {
	if err := checkID(id); err != nil {
		return err
	}
	key := d.config.ObjectKey(id)

	start := time.Now()
	defer func() { d.metrics.RecordRequest(time.Since(start), err) }()

	client, release, err := d.manager.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	// DeleteObject succeeds for absent keys, so probe first
	if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return d.translateError(err, "DeleteEntity", key, false)
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return d.translateError(err, "DeleteEntity", key, true)
	}
	return nil
}

// HealthCheck heads the bucket.
func (d *DocumentStore) HealthCheck(ctx context.Context) error {
	if err := d.manager.HealthCheck(ctx); err != nil {
		return d.translateError(err, "HealthCheck", d.config.Bucket, false)
	}
	return nil
}

// Metrics returns request metrics.
func (d *DocumentStore) Metrics() BackendMetrics {
	return d.metrics.GetMetrics()
}

// PoolStats returns client pool statistics.
func (d *DocumentStore) PoolStats() PoolStats {
	return d.manager.PoolStats()
}

// Close releases pooled clients.
func (d *DocumentStore) Close() error {
	return d.manager.Close()
}

func (d *DocumentStore) getObject(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		if errors.IsNotFound(err) {
			d.metrics.RecordRequest(time.Since(start), nil)
			return
		}
		d.metrics.RecordRequest(time.Since(start), err)
	}()

	client, release, err := d.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, d.translateError(err, "GetObject", key, false)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNetworkError, "failed to read object body", err).
			WithComponent("s3").WithContext("key", key)
	}
	d.metrics.RecordBytesDownloaded(int64(len(data)))
	return data, nil
}

func (d *DocumentStore) listKeys(ctx context.Context) ([]string, error) {
	client, release, err := d.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.config.Bucket),
		Prefix: aws.String(d.config.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, d.translateError(err, "ListObjects", d.config.Prefix, false)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if _, ok := d.config.EntityID(key); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (d *DocumentStore) translateError(err error, operation, key string, write bool) error {
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return err
	}

	failCode := errors.ErrCodeRepositoryRead
	if write {
		failCode = errors.ErrCodeRepositoryWrite
	}

	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
		respErr      *awshttp.ResponseError
	)
	code := errors.ErrCodeNetworkError
	switch {
	case stderr.As(err, &noSuchBucket):
		code = failCode
	case stderr.As(err, &noSuchKey), stderr.As(err, &notFound):
		code = errors.ErrCodeEntityNotFound
	case stderr.As(err, &respErr):
		status := respErr.HTTPStatusCode()
		switch {
		case status == 404:
			code = errors.ErrCodeEntityNotFound
		case status >= 500 || status == 429:
			code = errors.ErrCodeServiceUnavailable
		default:
			code = failCode
		}
	}

	return errors.Wrap(code, operation+" failed for "+key, err).
		WithComponent("s3").WithOperation(operation).WithContext("key", key)
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, "/*?[]") {
		return errors.NewError(errors.ErrCodeValidationFailed, "invalid entity id").
			WithComponent("s3").WithContext("id", id)
	}
	return nil
}

func decodeEntity(data []byte, id string) (*types.Entity, error) {
	var entity types.Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRepositoryRead, "document does not decode", err).
			WithComponent("s3").WithContext("id", id)
	}
	if entity.ID == "" {
		entity.ID = id
	}
	return &entity, nil
}
