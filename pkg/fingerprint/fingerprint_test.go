package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

func TestEntityID(t *testing.T) {
	sum := sha256.Sum256([]byte("email:jane@example.com"))
	wantEmailID := hex.EncodeToString(sum[:])[:36]
	sum = sha256.Sum256([]byte("phone:5551234567"))
	wantPhoneID := hex.EncodeToString(sum[:])[:36]

	tests := []struct {
		name              string
		rec               models.StandardizedRecord
		wantID            string
		wantDeterministic bool
	}{
		{
			name:              "email wins over phone",
			rec:               models.StandardizedRecord{EmailClean: "jane@example.com", PhoneClean: "5551234567"},
			wantID:            wantEmailID,
			wantDeterministic: true,
		},
		{
			name:              "phone when email missing",
			rec:               models.StandardizedRecord{PhoneClean: "5551234567"},
			wantID:            wantPhoneID,
			wantDeterministic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, deterministic := EntityID(&tt.rec)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantDeterministic, deterministic)
			assert.Len(t, id, EntityIDLength)
		})
	}

	t.Run("random without identity", func(t *testing.T) {
		a, okA := EntityID(&models.StandardizedRecord{FullNameClean: "JANE DOE"})
		b, okB := EntityID(&models.StandardizedRecord{})
		assert.False(t, okA)
		assert.False(t, okB)
		assert.NotEqual(t, a, b)
		_, err := uuid.Parse(a)
		require.NoError(t, err)
	})

	t.Run("concurrent callers converge", func(t *testing.T) {
		rec := models.StandardizedRecord{EmailClean: "jane@example.com"}
		ids := make([]string, 16)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				local := rec
				ids[i], _ = EntityID(&local)
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, wantEmailID, id)
		}
	})
}

func TestRecord(t *testing.T) {
	raw := models.RawRecord{SourceRecordID: "1", SourceSystem: "crm", Email: "a@b.com", ObservedAt: time.Unix(1, 0)}
	replay := raw
	replay.ObservedAt = time.Unix(99, 0)
	replay.Embedding = []float64{0.1}

	assert.Equal(t, Record(raw), Record(replay))

	changed := raw
	changed.Email = "c@d.com"
	assert.NotEqual(t, Record(raw), Record(changed))
}

func TestGenerateWithExclusions(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"a": map[string]any{"y": 2, "x": 1}, "b": 1}
	assert.Equal(t, GenerateWithExclusions(a, nil), GenerateWithExclusions(b, nil))

	c := map[string]any{"b": 1, "a": map[string]any{"x": 1, "y": 3}}
	assert.NotEqual(t, GenerateWithExclusions(a, nil), GenerateWithExclusions(c, nil))
	assert.Equal(t, GenerateWithExclusions(a, map[string]bool{"a.y": true}), GenerateWithExclusions(c, map[string]bool{"a.y": true}))
}
