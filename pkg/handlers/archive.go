package handlers

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"aaronromeo.com/tabellarium/pkg/executor"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

const (
	ArchiveTimestampFormat = "20060102T150405Z"
	ArchiveMessageFile     = "message.eml"
	ArchiveMetadataFile    = "metadata.json"
)

var illegalKeyChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

type ArchiveMetadata struct {
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CC        string    `json:"cc"`
	BCC       string    `json:"bcc"`
	Timestamp time.Time `json:"timestamp"`
	MessageId string    `json:"messageId"`
	InReplyTo string    `json:"inReplyTo"`
	Folder    string    `json:"folder"`
	UID       uint32    `json:"uid"`
	Flags     []string  `json:"flags"`
}

// S3Config holds what is needed to reach an S3 compatible store.
type S3Config struct {
	Endpoint string
	Region   string
	Key      string
	Secret   string
}

func NewS3Client(cfg S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Key != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.Key, cfg.Secret, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	return s3.New(sess), nil
}

// Archive uploads every handled message, with a metadata document, to
// <prefix>/<folder>/<timestamp>-<subject>-<md5 of message id>/.
type Archive struct {
	client s3iface.S3API
	bucket string
	prefix string
	logger *slog.Logger
}

type ArchiveOption func(*Archive) error

func NewArchive(opts ...ArchiveOption) (*Archive, error) {
	var a Archive
	for _, opt := range opts {
		if err := opt(&a); err != nil {
			return nil, err
		}
	}

	if a.client == nil {
		return nil, errors.New("requires s3 client")
	}
	if a.bucket == "" {
		return nil, errors.New("requires bucket")
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	return &a, nil
}

func WithS3Client(client s3iface.S3API) ArchiveOption {
	return func(a *Archive) error {
		a.client = client
		return nil
	}
}

func WithBucket(bucket string) ArchiveOption {
	return func(a *Archive) error {
		a.bucket = bucket
		return nil
	}
}

func WithPrefix(prefix string) ArchiveOption {
	return func(a *Archive) error {
		a.prefix = strings.Trim(prefix, "/")
		return nil
	}
}

func WithArchiveLogger(logger *slog.Logger) ArchiveOption {
	return func(a *Archive) error {
		a.logger = logger
		return nil
	}
}

// Key returns the object folder a message is archived under.
func (a *Archive) Key(msg *executor.DetachedMessage) string {
	id := []byte(msg.MessageID())
	if len(id) == 0 {
		id = msg.Raw()
	}
	name := fmt.Sprintf(
		"%s-%s-%x",
		msg.Date().UTC().Format(ArchiveTimestampFormat),
		sanitize(msg.Subject()),
		md5.Sum(id),
	)
	return path.Join(a.prefix, sanitize(msg.Folder), name)
}

func (a *Archive) Handle(ctx context.Context, msg *executor.DetachedMessage) error {
	key := a.Key(msg)

	metadata, err := json.MarshalIndent(a.metadata(msg), "", "  ")
	if err != nil {
		return errors.Wrap(err, "serialize metadata")
	}

	if err := a.put(ctx, path.Join(key, ArchiveMessageFile), "message/rfc822", msg.Raw()); err != nil {
		return err
	}
	if err := a.put(ctx, path.Join(key, ArchiveMetadataFile), "application/json", metadata); err != nil {
		return err
	}

	a.logger.Debug("Archived message", slog.String("bucket", a.bucket), slog.String("key", key), slog.Any("uid", msg.UID))
	return nil
}

func (a *Archive) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return errors.Wrapf(err, "put s3://%s/%s", a.bucket, key)
}

func (a *Archive) metadata(msg *executor.DetachedMessage) ArchiveMetadata {
	inReplyTo := strings.TrimSpace(msg.Header.Get("In-Reply-To"))
	if msg.Envelope != nil && msg.Envelope.InReplyTo != "" {
		inReplyTo = msg.Envelope.InReplyTo
	}

	return ArchiveMetadata{
		Subject:   msg.Subject(),
		From:      addresses(msg.Header, "From"),
		To:        addresses(msg.Header, "To"),
		CC:        addresses(msg.Header, "Cc"),
		BCC:       addresses(msg.Header, "Bcc"),
		Timestamp: msg.Date(),
		MessageId: msg.MessageID(),
		InReplyTo: inReplyTo,
		Folder:    msg.Folder,
		UID:       msg.UID,
		Flags:     msg.Flags,
	}
}

func addresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil {
		return ""
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return strings.Join(out, ", ")
}

func sanitize(input string) string {
	return illegalKeyChars.ReplaceAllString(input, "_")
}
