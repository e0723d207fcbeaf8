package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobValidate(t *testing.T) {
	since := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	until := since.Add(-time.Hour)

	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{"sync", Job{Type: JobTypeSyncMailbox, Owner: "u1"}, ""},
		{"sync without owner", Job{Type: JobTypeSyncMailbox}, "owner"},
		{"sync inverted range", Job{Type: JobTypeSyncMailbox, Owner: "u1", Since: &since, Until: &until}, "until"},
		{"message", Job{Type: JobTypeProcessMessage, MessageID: "m1"}, ""},
		{"message without id", Job{Type: JobTypeProcessMessage, Owner: "u1"}, "message_id"},
		{"reprocess unknown", Job{Type: JobTypeReprocessUnknown, Owner: "u1"}, ""},
		{"reconcile", Job{Type: JobTypeReconcileTransaction}, "transaction_id"},
		{"receipt", Job{Type: JobTypeProcessReceipt}, "receipt_id"},
		{"unknown type", Job{Type: "parse_document"}, "unknown job type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("token revoked")
	err := fmt.Errorf("sync: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
