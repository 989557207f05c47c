package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"futflow/config"
	"futflow/logger"
	"futflow/processor"
)

const publishTimeout = 5 * time.Second

// MetricAPI is the subset of the CloudWatch client used here.
type MetricAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes one batch of datums per cycle. Delivery outcomes are
// accumulated between cycles and flushed with the next batch.
type CloudWatch struct {
	api       MetricAPI
	namespace string
	log       *logger.Log

	deliveredOK     int64
	deliveredFailed int64
}

// NewCloudWatch loads the default AWS configuration for the given region.
func NewCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatch, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	cw := NewCloudWatchWithAPI(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace)
	cw.log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": cw.namespace,
	}).Info("initialized CloudWatch client")
	return cw, nil
}

func NewCloudWatchWithAPI(api MetricAPI, ns string) *CloudWatch {
	if ns == "" {
		ns = "FutFlow"
	}
	return &CloudWatch{api: api, namespace: ns, log: logger.GetLogger()}
}

func (c *CloudWatch) ObserveDelivery(ok bool) {
	if ok {
		atomic.AddInt64(&c.deliveredOK, 1)
		return
	}
	atomic.AddInt64(&c.deliveredFailed, 1)
}

func (c *CloudWatch) ObserveCycle(rep processor.Report) {
	mode := []cwtypes.Dimension{{Name: aws.String("mode"), Value: aws.String(rep.Mode.String())}}
	now := rep.FinishedAt
	if now.IsZero() {
		now = time.Now()
	}

	data := []cwtypes.MetricDatum{
		datum("Signals", float64(len(rep.Signals)), cwtypes.StandardUnitCount, mode, now),
		datum("DegradedSources", float64(len(rep.Diagnostics)), cwtypes.StandardUnitCount, mode, now),
		datum("DeliveriesOK", float64(atomic.SwapInt64(&c.deliveredOK, 0)), cwtypes.StandardUnitCount, nil, now),
		datum("DeliveriesFailed", float64(atomic.SwapInt64(&c.deliveredFailed, 0)), cwtypes.StandardUnitCount, nil, now),
	}
	if rep.FinishedAt.After(rep.StartedAt) {
		ms := float64(rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
		data = append(data, datum("CycleDuration", ms, cwtypes.StandardUnitMilliseconds, mode, now))
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := c.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}); err != nil {
		c.log.WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}
	c.log.WithComponent("cloudwatch").WithFields(logger.Fields{"count": len(data), "cycle_id": rep.CycleID}).Debug("published metrics to CloudWatch")
}

func datum(name string, value float64, unit cwtypes.StandardUnit, dims []cwtypes.Dimension, ts time.Time) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(ts),
	}
}
