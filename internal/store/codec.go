package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ppiankov/policycache/internal/model"
)

// Attribute names of the summaries table
const (
	attrSummaryID     = "summary_id"
	attrID            = "id"
	attrURL           = "url"
	attrNormalizedURL = "normalized_url"
	attrURLHash       = "url_hash"
	attrShortSummary  = "short_summary"
	attrFullSummary   = "full_summary"
	attrPolicyTypes   = "policy_types"
	attrTimestamp     = "timestamp"
	attrCreatedAt     = "created_at"
	attrUpdatedAt     = "updated_at"
	attrVersion       = "version"
	attrGuardFor      = "guard_for"
)

// encodeRecord builds the table item for rec
func encodeRecord(rec model.Record, hash string) map[string]types.AttributeValue {
	policyTypes := make([]types.AttributeValue, 0, len(rec.PolicyTypes))
	for _, t := range rec.PolicyTypes {
		policyTypes = append(policyTypes, &types.AttributeValueMemberS{Value: t})
	}

	return map[string]types.AttributeValue{
		attrSummaryID:     &types.AttributeValueMemberS{Value: rec.ID},
		attrID:            &types.AttributeValueMemberS{Value: rec.ID},
		attrURL:           &types.AttributeValueMemberS{Value: rec.URL},
		attrNormalizedURL: &types.AttributeValueMemberS{Value: rec.NormalizedURL},
		attrURLHash:       &types.AttributeValueMemberS{Value: hash},
		attrShortSummary:  &types.AttributeValueMemberS{Value: rec.ShortSummary},
		attrFullSummary:   &types.AttributeValueMemberS{Value: rec.FullSummary},
		attrPolicyTypes:   &types.AttributeValueMemberL{Value: policyTypes},
		attrTimestamp:     &types.AttributeValueMemberS{Value: rec.Timestamp},
		attrCreatedAt:     &types.AttributeValueMemberS{Value: rec.CreatedAt},
		attrUpdatedAt:     &types.AttributeValueMemberS{Value: rec.UpdatedAt},
		attrVersion:       &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Version, 10)},
	}
}

// decodeRecord is the single decode step at the table's output edge. Every
// value returned by DynamoDB passes through here, including numbers, which
// come back as decimal strings and are normalized by decodeNumber.
func decodeRecord(item map[string]types.AttributeValue) (model.Record, error) {
	var rec model.Record
	var err error

	str := func(name string, dst *string) {
		if err != nil {
			return
		}
		*dst, err = decodeString(item, name)
	}

	str(attrSummaryID, &rec.ID)
	str(attrURL, &rec.URL)
	str(attrNormalizedURL, &rec.NormalizedURL)
	str(attrShortSummary, &rec.ShortSummary)
	str(attrFullSummary, &rec.FullSummary)
	str(attrTimestamp, &rec.Timestamp)
	str(attrCreatedAt, &rec.CreatedAt)
	str(attrUpdatedAt, &rec.UpdatedAt)
	if err != nil {
		return model.Record{}, err
	}

	if rec.ID == "" {
		// Items written by older tools may only carry "id"
		if rec.ID, err = decodeString(item, attrID); err != nil {
			return model.Record{}, err
		}
	}
	if rec.ID == "" {
		return model.Record{}, &SerializationError{Attribute: attrSummaryID, Err: fmt.Errorf("missing key")}
	}
	if rec.NormalizedURL == "" {
		rec.NormalizedURL = Normalize(rec.URL)
	}

	if rec.PolicyTypes, err = decodeStringList(item, attrPolicyTypes); err != nil {
		return model.Record{}, err
	}

	if av, ok := item[attrVersion]; ok {
		n, nerr := decodeNumber(attrVersion, av)
		if nerr != nil {
			return model.Record{}, nerr
		}
		v, ok := n.(int64)
		if !ok {
			return model.Record{}, &SerializationError{Attribute: attrVersion, Err: fmt.Errorf("non-integral value %v", n)}
		}
		rec.Version = v
	}

	return rec, nil
}

func decodeString(item map[string]types.AttributeValue, name string) (string, error) {
	av, ok := item[name]
	if !ok {
		return "", nil
	}
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberNULL:
		return "", nil
	case *types.AttributeValueMemberN:
		// Numbers land here when a string attribute was written as a number
		n, err := decodeNumber(name, v)
		if err != nil {
			return "", err
		}
		return fmt.Sprint(n), nil
	default:
		return "", &SerializationError{Attribute: name, Err: fmt.Errorf("unexpected type %T", av)}
	}
}

func decodeStringList(item map[string]types.AttributeValue, name string) ([]string, error) {
	av, ok := item[name]
	if !ok {
		return []string{}, nil
	}
	switch v := av.(type) {
	case *types.AttributeValueMemberL:
		out := make([]string, 0, len(v.Value))
		for i, elem := range v.Value {
			s, ok := elem.(*types.AttributeValueMemberS)
			if !ok {
				return nil, &SerializationError{Attribute: fmt.Sprintf("%s[%d]", name, i), Err: fmt.Errorf("unexpected type %T", elem)}
			}
			out = append(out, s.Value)
		}
		return out, nil
	case *types.AttributeValueMemberSS:
		return append([]string{}, v.Value...), nil
	case *types.AttributeValueMemberNULL:
		return []string{}, nil
	default:
		return nil, &SerializationError{Attribute: name, Err: fmt.Errorf("unexpected type %T", av)}
	}
}

// decodeNumber converts a DynamoDB decimal into int64 when it is integral
// and fits, float64 otherwise
func decodeNumber(name string, av types.AttributeValue) (any, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, &SerializationError{Attribute: name, Err: fmt.Errorf("expected number, got %T", av)}
	}

	raw := strings.TrimSpace(n.Value)
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, &SerializationError{Attribute: name, Err: fmt.Errorf("invalid number %q", n.Value)}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}
