package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// EntityIDLength is the number of hex characters kept from the identity hash.
const EntityIDLength = 36

// EntityID derives the golden entity id from the first identifying field:
// the clean email, else the clean phone. Without either it returns a random
// id and deterministic=false.
func EntityID(rec *models.StandardizedRecord) (id string, deterministic bool) {
	if id, ok := DeterministicID(rec.EmailClean, rec.PhoneClean); ok {
		return id, true
	}
	return uuid.New().String(), false
}

// DeterministicID hashes "email:<email>" or, failing that, "phone:<phone>".
func DeterministicID(emailClean, phoneClean string) (string, bool) {
	switch {
	case emailClean != "":
		return hashIdentity("email:" + emailClean), true
	case phoneClean != "":
		return hashIdentity("phone:" + phoneClean), true
	default:
		return "", false
	}
}

func hashIdentity(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:EntityIDLength]
}

// recordExclusions are fields that change between deliveries of the same record.
var recordExclusions = map[string]bool{
	"observed_at": true,
	"embedding":   true,
}

// Record returns a fingerprint of a raw record's content, ignoring delivery metadata.
func Record(raw models.RawRecord) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return ""
	}
	return GenerateWithExclusions(m, recordExclusions)
}

// GenerateWithExclusions creates a fingerprint excluding specified dot-notation paths.
func GenerateWithExclusions(data map[string]any, excludeFields map[string]bool) string {
	var sb strings.Builder
	canonicalize(&sb, data, excludeFields, "")
	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

func canonicalize(sb *strings.Builder, data any, excludeFields map[string]bool, currentPath string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("{")
		first := true
		for _, k := range keys {
			fieldPath := k
			if currentPath != "" {
				fieldPath = currentPath + "." + k
			}
			if shouldExcludeField(fieldPath, excludeFields) {
				continue
			}
			if !first {
				sb.WriteString(",")
			}
			first = false
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteString(":")
			canonicalize(sb, v[k], excludeFields, fieldPath)
		}
		sb.WriteString("}")
	case []any:
		sb.WriteString("[")
		for i, item := range v {
			if i > 0 {
				sb.WriteString(",")
			}
			canonicalize(sb, item, excludeFields, currentPath)
		}
		sb.WriteString("]")
	default:
		b, _ := json.Marshal(v)
		sb.Write(b)
	}
}

func shouldExcludeField(fieldPath string, excludeFields map[string]bool) bool {
	if excludeFields == nil {
		return false
	}
	if excludeFields[fieldPath] {
		return true
	}
	for excluded := range excludeFields {
		if strings.HasPrefix(fieldPath, excluded+".") {
			return true
		}
	}
	return false
}
