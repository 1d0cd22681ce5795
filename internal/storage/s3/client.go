package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/utils"
)

// ClientManager handles S3 client creation and management
type ClientManager struct {
	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	config      *Config
	logger      *utils.StructuredLogger
}

// NewClientManager loads AWS configuration and builds the client pool. Static credentials
// from cfg take precedence over the default chain.
func NewClientManager(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*ClientManager, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to load AWS config", err).WithComponent("s3")
	}

	newClient := func() *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				// S3-compatible stores commonly reject flexible checksums
				o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
				o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return newClient(), nil
	})
	if err != nil {
		return nil, err
	}

	var transporter *cargoships3.Transporter
	if cfg.UseCargoShip {
		transporter = cargoships3.NewTransporter(newClient(), awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.PoolSize,
		})
		logger.Info("cargoship uploads enabled", map[string]interface{}{"concurrency": cfg.PoolSize})
	}

	return &ClientManager{
		pool:        pool,
		transporter: transporter,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Acquire checks a client out of the pool. Call the returned release when done.
func (cm *ClientManager) Acquire(ctx context.Context) (*s3.Client, func(), error) {
	client, err := cm.pool.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { cm.pool.Put(client) }, nil
}

// Transporter returns the cargoship transporter, or nil when disabled.
func (cm *ClientManager) Transporter() *cargoships3.Transporter {
	return cm.transporter
}

// HealthCheck heads the bucket.
func (cm *ClientManager) HealthCheck(ctx context.Context) error {
	client, release, err := cm.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cm.config.Bucket)})
	return err
}

// Close closes all client resources
func (cm *ClientManager) Close() error {
	return cm.pool.Close()
}

// PoolStats returns connection pool statistics
func (cm *ClientManager) PoolStats() PoolStats {
	return cm.pool.Stats()
}
