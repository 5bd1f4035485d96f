package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

type dynamoAPI interface {
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// sessionRecord is the DynamoDB item. The session itself is stored as JSON so the
// item shape does not change when the session grows fields.
type sessionRecord struct {
	CallID    string `dynamodbav:"callId"`
	Version   int64  `dynamodbav:"version"`
	Payload   string `dynamodbav:"payload"`
	ExpiresAt int64  `dynamodbav:"expiresAt,omitempty"`
}

// DynamoStore keeps call sessions in DynamoDB, guarding writes with a version condition.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	endedTTL  time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

var _ dialogue.SessionStore = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string, ttl, endedTTL time.Duration, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("callstate: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("callstate: table name cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if endedTTL <= 0 {
		endedTTL = defaultEndedTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		endedTTL:  endedTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Get returns the session, or nil when absent or past its TTL.
func (s *DynamoStore) Get(ctx context.Context, callID string) (*dialogue.Session, error) {
	sess, _, err := s.load(ctx, callID)
	return sess, err
}

// load returns the live session and the raw record. An expired record is returned
// without a session so the next write can still condition on its version.
func (s *DynamoStore) load(ctx context.Context, callID string) (*dialogue.Session, *sessionRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(callID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("callstate: get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil, nil
	}
	var rec sessionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, nil, fmt.Errorf("callstate: decode item: %w", err)
	}
	// DynamoDB TTL deletion lags; treat expired items as gone.
	if rec.ExpiresAt > 0 && rec.ExpiresAt <= s.now().Unix() {
		return nil, &rec, nil
	}
	var sess dialogue.Session
	if err := json.Unmarshal([]byte(rec.Payload), &sess); err != nil {
		return nil, nil, fmt.Errorf("callstate: unmarshal: %w", err)
	}
	sess.Version = rec.Version
	return &sess, &rec, nil
}

// Update reads the latest session, applies fn and writes only if nobody else wrote
// in between. Lost races are retried with a fresh read.
func (s *DynamoStore) Update(ctx context.Context, callID string, fn func(*dialogue.Session) (*dialogue.Session, error)) (*dialogue.Session, error) {
	if callID == "" {
		return nil, errors.New("callstate: call_id required")
	}
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		cur, rec, err := s.load(ctx, callID)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		next = next.Clone()
		next.Version = 1
		if rec != nil {
			next.Version = rec.Version + 1
		}

		err = s.put(ctx, callID, next, rec)
		if err == nil {
			return next, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.logger.Debug("session update raced, retrying", "call_id", callID, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("callstate: put item: %w", err)
	}
	return nil, ErrConflict
}

// Delete removes the session.
func (s *DynamoStore) Delete(ctx context.Context, callID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(callID),
	})
	if err != nil {
		return fmt.Errorf("callstate: delete item: %w", err)
	}
	return nil
}

func (s *DynamoStore) put(ctx context.Context, callID string, next *dialogue.Session, prev *sessionRecord) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("callstate: marshal session: %w", err)
	}
	ttl := s.ttl
	if next.Ended {
		ttl = s.endedTTL
	}
	item, err := attributevalue.MarshalMap(sessionRecord{
		CallID:    callID,
		Version:   next.Version,
		Payload:   string(payload),
		ExpiresAt: s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("callstate: marshal item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if prev == nil {
		input.ConditionExpression = aws.String("attribute_not_exists(callId)")
	} else {
		input.ConditionExpression = aws.String("#version = :expected")
		input.ExpressionAttributeNames = map[string]string{"#version": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev.Version, 10)},
		}
	}
	_, err = s.client.PutItem(ctx, input)
	return err
}

func (s *DynamoStore) key(callID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"callId": &types.AttributeValueMemberS{Value: callID},
	}
}
