package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkSessionPrefix = "SESSION#"
	pkPatientPrefix = "PATIENT#"
	skMeta          = "META"
	skTranscript    = "TRANSCRIPT"
	skSessionRef    = "SESSION#"
)

// DynamoStore implements SessionStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

func sessionPK(sessionID string) string {
	return pkSessionPrefix + sessionID
}

func patientPK(patientID string) string {
	return pkPatientPrefix + patientID
}

// sessionRefSK builds the patient-index sort key. The zero-padded timestamp
// keeps a patient's sessions ordered by creation time within the partition.
func sessionRefSK(createdAt int64, sessionID string) string {
	return fmt.Sprintf("%s%013d#%s", skSessionRef, createdAt, sessionID)
}

// putItem marshals a domain object and writes it to DynamoDB with PK and SK.
// The domain object should use dynamodbav:"-" for fields derived from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item from DynamoDB and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// isConditionalFailure reports whether err is a DynamoDB condition rejection.
func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// --- Session operations ---

func (s *DynamoStore) PutSession(ctx context.Context, session *Session) error {
	if session.CreatedAt == 0 {
		session.CreatedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, sessionPK(session.ID), skMeta, session); err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}

	// Patient index entry: holds only the reference; the META record stays
	// the single source of truth for status and progress.
	ref := struct {
		SessionID string `dynamodbav:"sessionId"`
		CreatedAt int64  `dynamodbav:"createdAt"`
	}{SessionID: session.ID, CreatedAt: session.CreatedAt}
	if err := s.putItem(ctx, patientPK(session.PatientID), sessionRefSK(session.CreatedAt, session.ID), ref); err != nil {
		return fmt.Errorf("put session ref %s/%s: %w", session.PatientID, session.ID, err)
	}

	log.Debug().
		Str("sessionId", session.ID).
		Str("patientId", session.PatientID).
		Str("status", session.Status).
		Msg("Session persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	found, err := s.getItem(ctx, sessionPK(sessionID), skMeta, &session)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}

	session.ID = sessionID
	return &session, nil
}

func (s *DynamoStore) SetProgress(ctx context.Context, sessionID, status string, progress int) error {
	// Conditional write enforces the lifecycle invariants at the storage
	// layer: progress never decreases, terminal sessions never mutate.
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET #s = :s, #p = :p"),
		ConditionExpression: aws.String(
			"(#s = :pending OR #s = :processing) AND #p <= :p"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // "status" is a DynamoDB reserved word
			"#p": "progress",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":          &types.AttributeValueMemberS{Value: status},
			":p":          &types.AttributeValueMemberN{Value: strconv.Itoa(progress)},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("set progress %s -> %s/%d: %w", sessionID, status, progress, ErrConflict)
		}
		return fmt.Errorf("set progress %s -> %s/%d: %w", sessionID, status, progress, err)
	}

	log.Debug().Str("sessionId", sessionID).Str("status", status).Int("progress", progress).Msg("Session progress updated")
	return nil
}

func (s *DynamoStore) MarkProcessed(ctx context.Context, sessionID string, analysis *Analysis) error {
	analysisAttr, err := attributevalue.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis for %s: %w", sessionID, err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #s = :s, #p = :p, analysis = :a, processedAt = :t"),
		ConditionExpression: aws.String("#s = :pending OR #s = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#p": "progress",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":          &types.AttributeValueMemberS{Value: StatusProcessed},
			":p":          &types.AttributeValueMemberN{Value: "100"},
			":a":          analysisAttr,
			":t":          &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("mark processed %s: %w", sessionID, ErrConflict)
		}
		return fmt.Errorf("mark processed %s: %w", sessionID, err)
	}

	log.Info().Str("sessionId", sessionID).Msg("Session marked processed")
	return nil
}

func (s *DynamoStore) MarkFailed(ctx context.Context, sessionID, errMsg string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #s = :s, errorMessage = :e"),
		ConditionExpression: aws.String("#s = :pending OR #s = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":          &types.AttributeValueMemberS{Value: StatusFailed},
			":e":          &types.AttributeValueMemberS{Value: errMsg},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("mark failed %s: %w", sessionID, ErrConflict)
		}
		return fmt.Errorf("mark failed %s: %w", sessionID, err)
	}

	log.Warn().Str("sessionId", sessionID).Str("error", errMsg).Msg("Session marked failed")
	return nil
}

// --- Transcript operations ---

// transcriptRecord is the DynamoDB shape of the TRANSCRIPT item.
type transcriptRecord struct {
	Segments []TranscriptSegment `dynamodbav:"segments"`
}

func (s *DynamoStore) PutTranscript(ctx context.Context, sessionID string, segments []TranscriptSegment) error {
	rec := transcriptRecord{Segments: segments}
	if err := s.putItem(ctx, sessionPK(sessionID), skTranscript, rec); err != nil {
		return fmt.Errorf("put transcript %s: %w", sessionID, err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int("segments", len(segments)).
		Msg("Transcript persisted")
	return nil
}

func (s *DynamoStore) GetTranscript(ctx context.Context, sessionID string) ([]TranscriptSegment, error) {
	var rec transcriptRecord
	found, err := s.getItem(ctx, sessionPK(sessionID), skTranscript, &rec)
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	return rec.Segments, nil
}

// --- Patient dashboard ---

func (s *DynamoStore) ListPatientSessions(ctx context.Context, patientID string) ([]*SessionSummary, error) {
	pk := patientPK(patientID)

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skSessionRef},
		},
	}

	var refs []struct {
		SessionID string `dynamodbav:"sessionId"`
	}

	// Handle pagination — DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query patient %s sessions: %w", patientID, err)
		}
		for _, item := range result.Items {
			var ref struct {
				SessionID string `dynamodbav:"sessionId"`
			}
			if err := attributevalue.UnmarshalMap(item, &ref); err != nil {
				log.Warn().Err(err).Str("patientId", patientID).Msg("Failed to unmarshal session ref, skipping")
				continue
			}
			refs = append(refs, ref)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	// Resolve each reference against the META record so the dashboard sees
	// live status and progress rather than a stale copy.
	summaries := make([]*SessionSummary, 0, len(refs))
	for _, ref := range refs {
		session, err := s.GetSession(ctx, ref.SessionID)
		if err != nil {
			return nil, err
		}
		if session == nil {
			continue
		}
		summaries = append(summaries, summarize(session))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt > summaries[j].CreatedAt
	})
	return summaries, nil
}

// summarize projects a session into its dashboard summary.
func summarize(session *Session) *SessionSummary {
	sum := &SessionSummary{
		SessionID:   session.ID,
		Status:      session.Status,
		Progress:    session.Progress,
		CreatedAt:   session.CreatedAt,
		ProcessedAt: session.ProcessedAt,
	}
	if session.Analysis != nil {
		sum.Summary = session.Analysis.Summary
	}
	return sum
}
