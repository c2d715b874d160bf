package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/live-assistant/internal/domain"
)

// Uploader is the slice of the Supabase storage API the archive uses.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, data io.Reader) error
}

// TranscriptArchive stores finished call transcripts as JSON objects under
// transcripts/<call-id>.json.
type TranscriptArchive struct {
	up     Uploader
	bucket string
	log    *logrus.Entry
}

// ArchivedCall is the stored document.
type ArchivedCall struct {
	CallID   string        `json:"call_id"`
	Channel  string        `json:"channel"`
	EndedAt  time.Time     `json:"ended_at"`
	Turns    []domain.Turn `json:"turns"`
	Language string        `json:"language,omitempty"`
}

func NewTranscriptArchive(up Uploader, bucket string) *TranscriptArchive {
	return &TranscriptArchive{up: up, bucket: bucket, log: logrus.WithField("component", "archive")}
}

// SaveTranscript uploads the turns of a finished call. Empty calls are skipped.
func (a *TranscriptArchive) SaveTranscript(ctx context.Context, call ArchivedCall) error {
	if len(call.Turns) == 0 {
		return nil
	}
	if call.EndedAt.IsZero() {
		call.EndedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode transcript: %w", err)
	}
	key := "transcripts/" + call.CallID + ".json"
	if err := a.up.Upload(ctx, a.bucket, key, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	a.log.WithFields(logrus.Fields{"call_id": call.CallID, "turns": len(call.Turns)}).Info("transcript archived")
	return nil
}

// SupabaseUploader uploads through the supabase-go storage client.
type SupabaseUploader struct {
	client *supabase.Client
}

func NewSupabaseUploader(client *supabase.Client) *SupabaseUploader {
	return &SupabaseUploader{client: client}
}

func (u *SupabaseUploader) Upload(ctx context.Context, bucket, key string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := u.client.Storage.UploadFile(bucket, key, data); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}
