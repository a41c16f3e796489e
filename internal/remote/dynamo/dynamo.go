// Package dynamo is an Authority backed by a DynamoDB table.
//
// One table holds two kinds of items, both keyed by a string partition key
// "pk" and a numeric sort key "sk":
//
//	pk = "item#<code>",  sk = seq   one accepted event
//	pk = "event#<id>",   sk = 0     event id marker with its fingerprint
//
// Both are written in one transaction conditioned on neither existing, so
// two devices racing to extend the same work item cannot both win.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/remote"
)

// API is the subset of the DynamoDB client the authority uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type record struct {
	PK           string `dynamodbav:"pk"`
	SK           int64  `dynamodbav:"sk"`
	EventID      string `dynamodbav:"event_id"`
	WorkItemCode string `dynamodbav:"work_item_code"`
	Type         string `dynamodbav:"type,omitempty"`
	ActorID      string `dynamodbav:"actor_id,omitempty"`
	ActorRole    string `dynamodbav:"actor_role,omitempty"`
	DeviceID     string `dynamodbav:"device_id,omitempty"`
	OccurredAt   int64  `dynamodbav:"occurred_at,omitempty"`
	Payload      string `dynamodbav:"payload,omitempty"`
	Fingerprint  string `dynamodbav:"fingerprint"`
	AcceptedAt   int64  `dynamodbav:"accepted_at,omitempty"`
}

func itemKey(code string) string { return "item#" + code }
func eventKey(id string) string { return "event#" + id }
func seqValue(seq int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)}
}

// Authority stores authoritative history in DynamoDB.
type Authority struct {
	db       API
	table    string
	payloads remote.PayloadValidator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithPayloadValidator makes the authority reject malformed payloads.
func WithPayloadValidator(v remote.PayloadValidator) Option {
	return func(a *Authority) { a.payloads = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Authority) { a.logger = l } }

// New creates an Authority over an existing client.
func New(db API, table string, opts ...Option) *Authority {
	a := &Authority{db: db, table: table, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config locates the table.
type Config struct {
	Table    string
	Region   string
	Endpoint string
}

// Connect loads the default AWS configuration and creates an Authority.
// Endpoint overrides the service URL for local DynamoDB.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Authority, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo table is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-2"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table, opts...), nil
}

// PushEvents implements remote.Authority.
func (a *Authority) PushEvents(ctx context.Context, batch []model.WorkEvent) ([]remote.PushResult, error) {
	return remote.PushInOrder(batch, func(ev model.WorkEvent) (remote.PushResult, error) {
		return a.push(ctx, ev)
	})
}

func (a *Authority) push(ctx context.Context, ev model.WorkEvent) (remote.PushResult, error) {
	fp, err := remote.Fingerprint(ev)
	if err != nil {
		return remote.PushResult{EventID: ev.EventID, Verdict: remote.VerdictRejected, Reason: err.Error()}, nil
	}

	if ev.EventID != "" {
		out, err := a.db.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(a.table),
			ConsistentRead: aws.Bool(true),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: eventKey(ev.EventID)},
				"sk": seqValue(0),
			},
		})
		if err != nil {
			return remote.PushResult{}, fmt.Errorf("lookup event %s: %w", ev.EventID, err)
		}
		if out.Item != nil {
			var marker record
			if err := attributevalue.UnmarshalMap(out.Item, &marker); err != nil {
				return remote.PushResult{}, fmt.Errorf("decode marker %s: %w", ev.EventID, err)
			}
			if marker.Fingerprint == fp {
				return remote.PushResult{EventID: ev.EventID, Verdict: remote.VerdictAccepted}, nil
			}
			return remote.PushResult{EventID: ev.EventID, Verdict: remote.VerdictRejected, Reason: "event id reused with different content"}, nil
		}
	}

	history, err := a.History(ctx, ev.WorkItemCode)
	if err != nil {
		return remote.PushResult{}, err
	}
	res := remote.Judge(history, ev, a.payloads)
	if res.Verdict != remote.VerdictAccepted {
		return res, nil
	}

	seq := int64(len(history)) + 1
	if err := a.write(ctx, ev, seq, fp); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			a.logger.Info("concurrent write lost", "work_item", ev.WorkItemCode, "event_id", ev.EventID, "seq", seq)
			return remote.PushResult{EventID: ev.EventID, Verdict: remote.VerdictConflicted, Reason: "work item advanced concurrently"}, nil
		}
		return remote.PushResult{}, err
	}
	return res, nil
}

func (a *Authority) write(ctx context.Context, ev model.WorkEvent, seq int64, fp string) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload %s: %w", ev.EventID, err)
	}
	now := a.now().UTC().UnixNano()

	item, err := attributevalue.MarshalMap(record{
		PK:           itemKey(ev.WorkItemCode),
		SK:           seq,
		EventID:      ev.EventID,
		WorkItemCode: ev.WorkItemCode,
		Type:         string(ev.Type),
		ActorID:      ev.ActorID,
		ActorRole:    string(ev.ActorRole),
		DeviceID:     ev.DeviceID,
		OccurredAt:   ev.OccurredAt.UTC().UnixNano(),
		Payload:      string(payload),
		Fingerprint:  fp,
		AcceptedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	marker, err := attributevalue.MarshalMap(record{
		PK:           eventKey(ev.EventID),
		SK:           0,
		EventID:      ev.EventID,
		WorkItemCode: ev.WorkItemCode,
		Fingerprint:  fp,
		AcceptedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("encode marker %s: %w", ev.EventID, err)
	}

	_, err = a.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(a.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(a.table),
				Item:                marker,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.EventID, err)
	}
	return nil
}

// History implements remote.Authority.
func (a *Authority) History(ctx context.Context, code string) ([]model.WorkEvent, error) {
	events := []model.WorkEvent{}
	var start map[string]types.AttributeValue
	for {
		out, err := a.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(a.table),
			ConsistentRead:         aws.Bool(true),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: itemKey(code)},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query history %s: %w", code, err)
		}

		var records []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", code, err)
		}
		for _, r := range records {
			ev, err := r.event()
			if err != nil {
				return nil, fmt.Errorf("decode history %s: %w", code, err)
			}
			events = append(events, ev)
		}

		if len(out.LastEvaluatedKey) == 0 {
			return events, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (r record) event() (model.WorkEvent, error) {
	ev := model.WorkEvent{
		EventID:      r.EventID,
		WorkItemCode: r.WorkItemCode,
		Type:         model.EventType(r.Type),
		ActorID:      r.ActorID,
		ActorRole:    model.Role(r.ActorRole),
		DeviceID:     r.DeviceID,
		OccurredAt:   time.Unix(0, r.OccurredAt).UTC(),
		Seq:          r.SK,
		Origin:       model.OriginRemote,
	}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
			return model.WorkEvent{}, fmt.Errorf("event %s payload: %w", r.EventID, err)
		}
	}
	return ev, nil
}
