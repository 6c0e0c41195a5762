// Package archive persists finished extraction results to S3 so they
// survive the result TTL in Redis. Uploads are best effort: a failed
// archive never fails the job that produced it.
package archive

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmMagic     = "GCM3NCR0"
	pbkdf2Iters  = 100000
	pbkdf2KeyLen = 32
	saltLen      = 16
	nonceLen     = 12
)

// Archiver uploads result text under results/<job_id>/<file>.txt,
// AES-GCM encrypted when a password is configured.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	password string
}

// Options configures the archiver.
type Options struct {
	Bucket   string
	Prefix   string // key prefix, default "results"
	Password string // empty disables encryption
}

func New(ctx context.Context, opts Options) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "results"
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &Archiver{
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		password: opts.Password,
	}, nil
}

// Save uploads the result text for one job.
func (a *Archiver) Save(ctx context.Context, jobID, fileName, text string) error {
	if fileName == "" {
		fileName = "result"
	}
	key := path.Join(a.prefix, jobID, fileName+".txt")

	body := []byte(text)
	encrypted := false
	if a.password != "" {
		enc, err := encryptGCM(body, a.password)
		if err != nil {
			return fmt.Errorf("archive: encrypt result: %w", err)
		}
		body = enc
		encrypted = true
	}

	meta := map[string]string{
		"name":        fileName,
		"job-id":      jobID,
		"archived-at": time.Now().UTC().Format(time.RFC3339),
	}
	if encrypted {
		meta["encrypted"] = "true"
		meta["encryption-format"] = gcmMagic
	}

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	log.Info().Str("job_id", jobID).Str("key", key).Int("size", len(body)).
		Bool("encrypted", encrypted).Msg("archived result to S3")
	return nil
}

// encryptGCM produces magic(8) + salt(16) + nonce(12) + ciphertext+tag.
func encryptGCM(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, pbkdf2KeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(gcmMagic)+saltLen+nonceLen+len(data)+gcm.Overhead())
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, data, nil)
	return out, nil
}

// DecryptGCM reverses encryptGCM; used by the retrieval tooling.
func DecryptGCM(blob []byte, password string) ([]byte, error) {
	minLen := len(gcmMagic) + saltLen + nonceLen + 16
	if len(blob) < minLen {
		return nil, fmt.Errorf("archive blob too short: %d bytes", len(blob))
	}
	if string(blob[:len(gcmMagic)]) != gcmMagic {
		return nil, fmt.Errorf("archive blob missing GCM magic")
	}
	salt := blob[8:24]
	nonce := blob[24:36]
	ciphertext := blob[36:]

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, pbkdf2KeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plain, nil
}
