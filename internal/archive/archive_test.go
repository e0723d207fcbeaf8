package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://ledger-raw/raw/u1/abc.html", "ledger-raw", "raw/u1/abc.html", false},
		{"gs://bucket/file.jpg", "bucket", "file.jpg", false},
		{"gs://bucket", "", "", true},
		{"gs://bucket/", "", "", true},
		{"s3://bucket/file", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseGCSURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantObject, object)
		})
	}
}

func TestObjectNames(t *testing.T) {
	assert.Equal(t, "raw/u1/18c2f.html", RawMessageObject("u1", "18c2f"))
	assert.Equal(t, "raw/u_1/__x.html", RawMessageObject("u/1", "../x"))
	assert.Equal(t, "receipts/u1/r1.jpg", ReceiptObject("u1", "r1", "image/JPEG"))
	assert.Equal(t, "receipts/u1/r1", ReceiptObject("u1", "r1", "application/octet-stream"))
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "abc.jpg", Filename("gs://bucket/receipts/u1/abc.jpg"))
	assert.Equal(t, "x.html", Filename("file:///tmp/archive/raw/u1/x.html"))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	uri, err := l.PutReceipt(ctx, "u1", "r1", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Contains(t, uri, "receipts/u1/r1.png")

	data, err := l.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	raw, err := l.PutRawMessage(ctx, "u1", "m1", []byte("<p>alert</p>"))
	require.NoError(t, err)
	body, err := l.Fetch(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "<p>alert</p>", string(body))

	_, err = l.Fetch(ctx, "file:///etc/passwd")
	assert.Error(t, err)
	_, err = l.Fetch(ctx, "gs://bucket/x")
	assert.Error(t, err)
}
