package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/ppiankov/policycache/internal/model"
)

const (
	// BackendTable is the Name of TableStore
	BackendTable = "table"

	// URLHashIndex is the global secondary index on url_hash
	URLHashIndex = "url_hash-index"

	// guardPrefix marks the uniqueness items that claim a url hash. They have
	// no url_hash attribute so they never show up in URLHashIndex.
	guardPrefix = "urlhash#"

	defaultSaveAttempts = 3
	defaultRetryBackoff = 25 * time.Millisecond
)

// DynamoAPI is the part of *dynamodb.Client used by TableStore
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// TableStore keeps records in a DynamoDB table keyed by summary_id, with
// URLHashIndex for lookups by URL.
//
// Save avoids the read-then-write race of a plain upsert: a new URL is
// claimed with a guard item written in the same transaction as the record
// (both conditioned on not existing yet), and updates are compare-and-swap
// on the record version. A writer that loses re-reads and retries. Records
// written by older tools have no guard item, so two concurrent first writes
// can only be told apart once one of them exists; for those URLs the CAS on
// update is the only protection.
type TableStore struct {
	client      DynamoAPI
	table       string
	logger      *slog.Logger
	now         Clock
	newID       func() string
	maxAttempts int
	backoff     time.Duration
}

// NewTableStore wraps client for the given table
func NewTableStore(client DynamoAPI, table string, logger *slog.Logger) *TableStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableStore{
		client:      client,
		table:       table,
		logger:      logger.With("backend", BackendTable, "table", table),
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: defaultSaveAttempts,
		backoff:     defaultRetryBackoff,
	}
}

// Name returns "table"
func (s *TableStore) Name() string {
	return BackendTable
}

// Table returns the table name
func (s *TableStore) Table() string {
	return s.table
}

func (s *TableStore) backendErr(op string, err error) error {
	be := &BackendError{Backend: BackendTable, Op: op, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		be.Code = apiErr.ErrorCode()
	}
	return be
}

func guardKey(hash string) string {
	return guardPrefix + hash
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSummaryID: &types.AttributeValueMemberS{Value: id},
	}
}

// isConditionFailure reports whether err is a failed condition expression,
// either on a single write or inside a cancelled transaction
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return len(failedConditions(err)) > 0
}

// failedConditions returns the positions of transaction items whose condition failed
func failedConditions(err error) []int {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	var failed []int
	for i, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			failed = append(failed, i)
		}
	}
	return failed
}

// isTransactionConflict reports whether a write was rejected because another
// transaction was in progress on one of its items
func isTransactionConflict(err error) bool {
	var tc *types.TransactionConflictException
	if errors.As(err, &tc) {
		return true
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "TransactionConflict" {
			return true
		}
	}
	return false
}

// wait sleeps before retry attempt+1, growing linearly with attempt
func (s *TableStore) wait(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * s.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lookup queries URLHashIndex for hash
func (s *TableStore) lookup(ctx context.Context, hash string) (model.Record, bool, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		IndexName:                aws.String(URLHashIndex),
		KeyConditionExpression:   aws.String("#h = :h"),
		ExpressionAttributeNames: map[string]string{"#h": attrURLHash},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: hash},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return model.Record{}, false, s.backendErr("query", err)
	}
	if len(out.Items) == 0 {
		return model.Record{}, false, nil
	}

	rec, err := decodeRecord(out.Items[0])
	if err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

// GetByURL queries the url hash index; it never scans
func (s *TableStore) GetByURL(ctx context.Context, rawURL string, maxAge time.Duration) (model.Record, error) {
	rec, found, err := s.lookup(ctx, KeyFor(rawURL))
	if err != nil {
		return model.Record{}, err
	}
	if !found {
		return model.Record{}, ErrNotFound
	}
	if IsExpired(rec.Timestamp, maxAge, s.now()) {
		return model.Record{}, ErrExpired
	}
	return rec, nil
}

// Save upserts the summary for entry.URL with conditional writes
func (s *TableStore) Save(ctx context.Context, entry model.Entry) (string, error) {
	normalized := Normalize(entry.URL)
	hash := URLHash(normalized)

	// After a lost write the winner is re-read with a consistent read, since
	// the url hash index may not have caught up yet
	var known *model.Record

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var (
			existing model.Record
			found    bool
			err      error
		)
		if known != nil {
			existing, found = *known, true
			known = nil
		} else if existing, found, err = s.lookup(ctx, hash); err != nil {
			return "", err
		}

		rec := model.Record{
			URL:           entry.URL,
			NormalizedURL: normalized,
			ShortSummary:  entry.ShortSummary,
			FullSummary:   entry.FullSummary,
			PolicyTypes:   normalizeTypes(entry.PolicyTypes),
		}

		if found {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.Version = existing.Version + 1
			stamp(&rec, nextTimestamp(s.now(), existing.Timestamp))
			err = s.replace(ctx, rec, hash, existing.Version)
		} else {
			rec.ID = s.newID()
			rec.Version = 1
			stamp(&rec, s.now())
			err = s.insert(ctx, rec, hash)
		}

		if err == nil {
			s.logger.Debug("saved summary", "url", entry.URL, "id", rec.ID, "version", rec.Version, "updated", found)
			return rec.ID, nil
		}
		if !isConditionFailure(err) {
			if !isTransactionConflict(err) {
				return "", s.backendErr("save", err)
			}
			// Another writer holds the item; nothing was written, so start over
			s.logger.Debug("transaction conflict, retrying", "url", entry.URL, "attempt", attempt)
			if attempt < s.maxAttempts {
				if err := s.wait(ctx, attempt); err != nil {
					return "", err
				}
			}
			continue
		}
		s.logger.Debug("conditional write lost, retrying", "url", entry.URL, "attempt", attempt)

		if found {
			current, err := s.GetByID(ctx, existing.ID)
			switch {
			case err == nil && URLHash(current.NormalizedURL) == hash:
				known = &current
			case err == nil:
			case !errors.Is(err, ErrNotFound):
				return "", err
			}
			continue
		}

		owner, ok, err := s.resolveGuard(ctx, hash)
		if err != nil {
			return "", err
		}
		if ok {
			known = &owner
		}
	}

	return "", fmt.Errorf("save %s: %w", entry.URL, ErrConflict)
}

// insert claims hash with a guard item and writes rec in one transaction
func (s *TableStore) insert(ctx context.Context, rec model.Record, hash string) error {
	notExists := aws.String("attribute_not_exists(#pk)")
	names := map[string]string{"#pk": attrSummaryID}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:                aws.String(s.table),
				Item:                     guardItem(hash, rec.ID),
				ConditionExpression:      notExists,
				ExpressionAttributeNames: names,
			}},
			{Put: &types.Put{
				TableName:                aws.String(s.table),
				Item:                     encodeRecord(rec, hash),
				ConditionExpression:      notExists,
				ExpressionAttributeNames: names,
			}},
		},
	})
	return err
}

// replace overwrites an existing record if its version is still prevVersion
func (s *TableStore) replace(ctx context.Context, rec model.Record, hash string, prevVersion int64) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      encodeRecord(rec, hash),
	}
	if prevVersion > 0 {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprint(prevVersion)},
		}
	} else {
		// Records written before versioning
		input.ConditionExpression = aws.String("attribute_exists(#pk) AND attribute_not_exists(#v)")
		input.ExpressionAttributeNames = map[string]string{"#pk": attrSummaryID, "#v": attrVersion}
	}

	_, err := s.client.PutItem(ctx, input)
	return err
}

func guardItem(hash, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSummaryID: &types.AttributeValueMemberS{Value: guardKey(hash)},
		attrGuardFor:  &types.AttributeValueMemberS{Value: id},
	}
}

// resolveGuard returns the record owning the guard for hash. A guard whose
// record is gone, or now belongs to another URL, is stale and gets removed.
// A guard written by an in-flight insert always has its record, since both
// are written in one transaction.
func (s *TableStore) resolveGuard(ctx context.Context, hash string) (model.Record, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(guardKey(hash)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.Record{}, false, s.backendErr("get guard", err)
	}
	if out.Item == nil {
		return model.Record{}, false, nil
	}
	owner, err := decodeString(out.Item, attrGuardFor)
	if err != nil {
		return model.Record{}, false, err
	}

	rec, err := s.GetByID(ctx, owner)
	switch {
	case err == nil && URLHash(rec.NormalizedURL) == hash:
		return rec, true, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return model.Record{}, false, err
	}

	s.logger.Warn("removing stale url guard", "url_hash", hash, "owner", owner)
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyOf(guardKey(hash)),
		ConditionExpression:      aws.String("#g = :g"),
		ExpressionAttributeNames: map[string]string{"#g": attrGuardFor},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":g": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil && !isConditionFailure(err) {
		return model.Record{}, false, s.backendErr("delete guard", err)
	}
	return model.Record{}, false, nil
}

// getItem reads one record by id; guard items read as not found
func (s *TableStore) getItem(ctx context.Context, id string) (map[string]types.AttributeValue, error) {
	if id == "" || strings.HasPrefix(id, guardPrefix) {
		return nil, ErrNotFound
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.backendErr("get", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

// GetByID reads the record by primary key, expired or not
func (s *TableStore) GetByID(ctx context.Context, id string) (model.Record, error) {
	item, err := s.getItem(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	return decodeRecord(item)
}

// scanAll pages through every record item. Guard items are filtered out.
func (s *TableStore) scanAll(ctx context.Context) ([]model.Record, error) {
	var (
		records []model.Record
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			FilterExpression:         aws.String("attribute_exists(#h)"),
			ExpressionAttributeNames: map[string]string{"#h": attrURLHash},
			ExclusiveStartKey:        start,
		})
		if err != nil {
			return nil, s.backendErr("scan", err)
		}
		for _, item := range out.Items {
			rec, err := decodeRecord(item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		start = out.LastEvaluatedKey
	}
}

// GetRecent scans the whole table and sorts in memory. The table has no
// index ordered by timestamp, so this reads every item and does not scale
// to large tables.
func (s *TableStore) GetRecent(ctx context.Context, limit int) ([]model.Record, error) {
	records, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	return takeRecent(records, limit), nil
}

// Delete removes the record and its guard item in one transaction
func (s *TableStore) Delete(ctx context.Context, id string) (bool, error) {
	item, err := s.getItem(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	hash, err := decodeString(item, attrURLHash)
	if err != nil {
		return false, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName:                aws.String(s.table),
				Key:                      keyOf(id),
				ConditionExpression:      aws.String("attribute_exists(#pk)"),
				ExpressionAttributeNames: map[string]string{"#pk": attrSummaryID},
			}},
			{Delete: &types.Delete{
				TableName:                aws.String(s.table),
				Key:                      keyOf(guardKey(hash)),
				ConditionExpression:      aws.String("attribute_not_exists(#pk) OR #g = :id"),
				ExpressionAttributeNames: map[string]string{"#pk": attrSummaryID, "#g": attrGuardFor},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: id},
				},
			}},
		},
	})
	if err == nil {
		return true, nil
	}

	failed := failedConditions(err)
	switch {
	case len(failed) == 0:
		return false, s.backendErr("delete", err)
	case failed[0] == 0:
		// Someone else deleted it first
		return false, nil
	}

	// The guard belongs to another record for the same URL; leave it and
	// delete only this one
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyOf(id),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrSummaryID},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, s.backendErr("delete", err)
	}
	return true, nil
}

// DeleteByURL deletes whatever is cached for rawURL
func (s *TableStore) DeleteByURL(ctx context.Context, rawURL string) (bool, error) {
	return deleteByURL(ctx, s, rawURL)
}

// ClearOld scans for records written before now-olderThan and deletes them
// one by one. Records with unparsable timestamps are kept.
func (s *TableStore) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := s.scanAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, rec := range records {
		t, err := ParseTimestamp(rec.Timestamp)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		ok, err := s.Delete(ctx, rec.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	s.logger.Info("cleared old summaries", "removed", removed, "older_than", olderThan)
	return removed, nil
}

// Import writes rec verbatim and points the url guard at it, removing any
// other record cached for the same URL
func (s *TableStore) Import(ctx context.Context, rec model.Record) error {
	if rec.ID == "" || strings.HasPrefix(rec.ID, guardPrefix) {
		return &SerializationError{Attribute: attrSummaryID, Err: fmt.Errorf("invalid id %q", rec.ID)}
	}

	rec = rec.Clone()
	if rec.NormalizedURL == "" {
		rec.NormalizedURL = Normalize(rec.URL)
	}
	rec.PolicyTypes = normalizeTypes(rec.PolicyTypes)
	hash := URLHash(rec.NormalizedURL)

	existing, found, err := s.lookup(ctx, hash)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.table), Item: encodeRecord(rec, hash)}},
		{Put: &types.Put{TableName: aws.String(s.table), Item: guardItem(hash, rec.ID)}},
	}
	if found && existing.ID != rec.ID {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(s.table), Key: keyOf(existing.ID)},
		})
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return s.backendErr("import", err)
	}
	return nil
}

// Stats counts record items with a paginated COUNT scan and reports the
// table status
func (s *TableStore) Stats(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{Backend: BackendTable, Location: s.table}

	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			Select:                   types.SelectCount,
			FilterExpression:         aws.String("attribute_exists(#h)"),
			ExpressionAttributeNames: map[string]string{"#h": attrURLHash},
			ExclusiveStartKey:        start,
		})
		if err != nil {
			return model.Stats{}, s.backendErr("count", err)
		}
		stats.Records += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	desc, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return model.Stats{}, s.backendErr("describe", err)
	}
	if desc.Table != nil {
		stats.Status = string(desc.Table.TableStatus)
	}
	return stats, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing
func (s *TableStore) Close() error {
	return nil
}
