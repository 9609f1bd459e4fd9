package ingest

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
)

const deliveryIDAttr = "deliveryId"

// DynamoAPI is the subset of *dynamodb.Client the source calls.
type DynamoAPI interface {
	dynamodb.ScanAPIClient
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dynamoItem struct {
	DeliveryID string  `dynamodbav:"deliveryId"`
	Payload    *string `dynamodbav:"payload"`
}

type DynamoSource struct {
	db        DynamoAPI
	tableName string
	logger    *logging.Logger
}

func NewDynamoSource(ctx context.Context, cfg model.RemoteConfig, logger *logging.Logger) (*DynamoSource, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	logger.Info("dynamodb source table=%s region=%s endpoint=%q", cfg.TableName, awsCfg.Region, cfg.Endpoint)
	return NewDynamoSourceWithClient(client, cfg.TableName, logger), nil
}

func NewDynamoSourceWithClient(db DynamoAPI, tableName string, logger *logging.Logger) *DynamoSource {
	return &DynamoSource{db: db, tableName: tableName, logger: logger}
}

// FetchAll scans the whole table, following pagination.
func (s *DynamoSource) FetchAll(ctx context.Context) ([]Record, error) {
	p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
	})

	var records []Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.tableName, err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("decode scan page: %w", err)
		}
		for _, it := range items {
			if it.DeliveryID == "" {
				s.logger.Warn("dynamodb item without %s ignored", deliveryIDAttr)
				continue
			}
			rec := Record{DeliveryID: it.DeliveryID}
			if it.Payload != nil {
				rec.Payload = []byte(*it.Payload)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *DynamoSource) Delete(ctx context.Context, deliveryID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			deliveryIDAttr: &types.AttributeValueMemberS{Value: deliveryID},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", deliveryID, err)
	}
	s.logger.Debug("deleted dynamodb record delivery=%s", deliveryID)
	return nil
}

// Close is a no-op: the SDK client holds no resources that need releasing.
func (s *DynamoSource) Close() error { return nil }
