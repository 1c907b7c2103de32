package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sensitiveDetailKeys never reach the audit table in clear text.
var sensitiveDetailKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"email":         {},
	"client_ip":     {},
}

func redactRecord(rec Record, salt []byte) Record {
	if rec.ActorID != "" {
		rec.ActorID = "sha256:" + hashString(rec.ActorID, salt)
	}
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		b, _ := json.Marshal(map[string]any{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for k, v := range fields {
		if _, ok := sensitiveDetailKeys[k]; !ok {
			continue
		}
		s, _ := json.Marshal(v)
		fields[k] = "sha256:" + hashBytes(s, salt)
	}
	b, _ := json.Marshal(fields)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
