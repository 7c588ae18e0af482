package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Checkpoint is one durable, resumable snapshot of engine state. The blob is
// opaque to the relay. A checkpoint is never mutated after it is written.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	Sequence  int64     `json:"sequence" db:"sequence"`
	Blob      []byte    `json:"-" db:"state_blob"`
	Digest    string    `json:"digest" db:"digest"`
	Size      int64     `json:"size" db:"size"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CheckpointMeta describes a checkpoint without its blob.
type CheckpointMeta struct {
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	Sequence  int64     `json:"sequence" db:"sequence"`
	Digest    string    `json:"digest" db:"digest"`
	Size      int64     `json:"size" db:"size"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Digest returns the hex encoded SHA-256 of blob.
func Digest(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Verify checks the stored digest and size against the blob.
func (c *Checkpoint) Verify() error {
	if int64(len(c.Blob)) != c.Size || Digest(c.Blob) != c.Digest {
		return StorageFailure(nil, "checkpoint %s/%d failed integrity check", c.ThreadID, c.Sequence).
			WithCode(ErrorCodeIntegrity)
	}
	return nil
}

// RetentionPolicy selects which checkpoints survive compaction. Zero values
// disable the corresponding limit. The latest checkpoint is always kept.
type RetentionPolicy struct {
	KeepLast int   `json:"keep_last"`
	MaxBytes int64 `json:"max_bytes"`
}

// Enabled reports whether the policy removes anything at all.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepLast > 0 || p.MaxBytes > 0
}
