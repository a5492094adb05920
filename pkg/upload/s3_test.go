package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		token  string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			token:  "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
			want:   "wave/sessions/1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		},
		{
			name:   "custom prefix",
			prefix: "conformance/runs",
			token:  "abc",
			want:   "conformance/runs/abc",
		},
		{
			name:   "trailing slash stripped",
			prefix: "my-prefix/",
			token:  "abc",
			want:   "my-prefix/abc",
		},
		{
			name:   "only slashes",
			prefix: "///",
			token:  "abc",
			want:   "wave/sessions/abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sessionPrefix(tt.prefix, tt.token))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "json file",
			path:       "results/info.json",
			wantPrefix: "application/json",
		},
		{
			name:       "no extension",
			path:       "results/Makefile",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "html file",
			path:       "results/index.html",
			wantPrefix: "text/html",
		},
		{
			name:       "markdown report",
			path:       "results/dom/report.md",
			wantPrefix: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectContentType(tt.path)
			assert.NotEmpty(t, got)
			assert.Contains(t, got, tt.wantPrefix)
		})
	}
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, isTempFile(".FF115.json.tmp-123456"))
	assert.False(t, isTempFile("FF115.json"))
	assert.False(t, isTempFile(".hidden"))
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&s3types.NoSuchKey{}))
	assert.True(t, isS3NotFound(fmt.Errorf("wrapped: %w", &s3types.NoSuchKey{})))
	assert.True(t, isS3NotFound(errors.New("api error NoSuchKey: not here")))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{})
	require.Error(t, err)

	u, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{Bucket: "results"})
	require.NoError(t, err)
	assert.NotNil(t, u)
}

type recordingUploader struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (r *recordingUploader) Preflight(context.Context) error { return nil }

func (r *recordingUploader) Upload(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dirs = append(r.dirs, dir)

	return r.err
}

func TestCompletionHook(t *testing.T) {
	u := &recordingUploader{}
	hook := CompletionHook(u)

	require.NoError(t, hook(context.Background(), "tok", "/results/tok"))
	assert.Equal(t, []string{"/results/tok"}, u.dirs)

	u.err = errors.New("boom")
	require.Error(t, hook(context.Background(), "tok", "/results/tok"))
}
