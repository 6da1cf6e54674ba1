package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sheetsync/internal/domain"
)

type rawTask map[string]json.RawMessage

func decodeList(b []byte) ([]domain.ExternalTask, error) {
	const op = "queue.decode_list"
	var raws []rawTask
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, domain.E(domain.KindDecode, op, err)
	}
	out := make([]domain.ExternalTask, 0, len(raws))
	for i, r := range raws {
		t, err := r.task()
		if err != nil {
			return nil, domain.E(domain.KindDecode, op, fmt.Errorf("item %d: %w", i, err))
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeOne(b []byte) (domain.ExternalTask, error) {
	const op = "queue.decode_one"
	if len(bytes.TrimSpace(b)) == 0 {
		return domain.ExternalTask{}, nil
	}
	var r rawTask
	if err := json.Unmarshal(b, &r); err != nil {
		return domain.ExternalTask{}, domain.E(domain.KindDecode, op, err)
	}
	t, err := r.task()
	if err != nil {
		return domain.ExternalTask{}, domain.E(domain.KindDecode, op, err)
	}
	return t, nil
}

func (r rawTask) task() (domain.ExternalTask, error) {
	var t domain.ExternalTask
	var err error
	if v, ok := r["id"]; ok {
		if t.ID, err = flexString(v); err != nil {
			return t, fmt.Errorf("id: %w", err)
		}
	}
	if v, ok := r["linkToParse"]; ok {
		if t.SourceLink, err = flexString(v); err != nil {
			return t, fmt.Errorf("linkToParse: %w", err)
		}
	}
	if v, ok := r["parsedDate"]; ok {
		ms, present, err := millis(v)
		if err != nil {
			return t, fmt.Errorf("parsedDate: %w", err)
		}
		// Zero and null carry no completion time.
		if present && ms != 0 {
			at := time.UnixMilli(ms)
			t.CompletedAt = &at
		}
	}
	if v, ok := r["linkToGoogleSheet"]; ok {
		s, err := flexString(v)
		if err != nil {
			return t, fmt.Errorf("linkToGoogleSheet: %w", err)
		}
		t.ResultLink = &s
	}
	if v, ok := r["status"]; ok {
		s, err := flexString(v)
		if err != nil {
			return t, fmt.Errorf("status: %w", err)
		}
		t.Status = &s
	}
	if v, ok := r["title"]; ok {
		s, err := flexString(v)
		if err != nil {
			return t, fmt.Errorf("title: %w", err)
		}
		t.Title = &s
	}
	return t, nil
}

// flexString accepts a JSON string, number or null.
func flexString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	switch v[0] {
	case '"':
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	case '{', '[', 't', 'f':
		return "", fmt.Errorf("unexpected value %s", truncate(string(v), 40))
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

// millis decodes an epoch-millisecond value given as a number or numeric string.
func millis(v json.RawMessage) (int64, bool, error) {
	s, err := flexString(v)
	if err != nil {
		return 0, false, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("not a timestamp: %q", s)
	}
	return int64(f), true, nil
}
