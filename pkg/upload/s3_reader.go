package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/sirupsen/logrus"
)

// S3Reader reads uploaded sessions back from S3-compatible storage.
type S3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// NewS3Reader creates a new S3Reader from the given configuration.
func NewS3Reader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) *S3Reader {
	return &S3Reader{
		log:    log.WithField("component", "s3-reader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

// ListSessions returns the tokens of every uploaded session, sorted.
func (r *S3Reader) ListSessions(ctx context.Context) ([]string, error) {
	root := resolvePrefix(r.cfg.Prefix) + "/"

	var tokens []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.cfg.Bucket),
		Prefix:    aws.String(root),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", root, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}

			token := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, root), "/")
			if token != "" {
				tokens = append(tokens, token)
			}
		}
	}

	sort.Strings(tokens)

	r.log.WithField("sessions", len(tokens)).Debug("Listed uploaded sessions")

	return tokens, nil
}

// SessionInfo reads the uploaded info.json of a session. It returns
// session.ErrNotFound when the session was never uploaded.
func (r *S3Reader) SessionInfo(ctx context.Context, token string) (*session.Session, error) {
	data, err := r.GetObject(ctx, sessionPrefix(r.cfg.Prefix, token)+"/"+session.InfoFileName)
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, fmt.Errorf("uploaded session %s: %w", token, session.ErrNotFound)
	}

	var info session.Session
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding uploaded info of %s: %w", token, err)
	}

	return &info, nil
}

// GetObject returns the contents of the given key.
// If the key does not exist, it returns (nil, nil).
func (r *S3Reader) GetObject(
	ctx context.Context, key string,
) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
