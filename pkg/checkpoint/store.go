package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MaxPerJob bounds how many stages one job may checkpoint.
	MaxPerJob = 100
	// MaxSizeBytes bounds a single stage payload.
	MaxSizeBytes = 100 * 1024 * 1024
)

var (
	ErrTooManyCheckpoints = errors.New("checkpoint limit per job reached")
	ErrTooLarge           = errors.New("checkpoint payload too large")
	ErrInvalidStage       = errors.New("stage index must not be negative")
)

// Store persists per-stage checkpoints and failure diagnostics. Writes are
// idempotent on (job, stage index).
type Store struct {
	db    *gorm.DB
	blobs BlobStore
}

// NewStore creates a checkpoint store. blobs may be nil, in which case
// payloads are kept in the checkpoint metadata.
func NewStore(db *gorm.DB, blobs BlobStore) *Store {
	return &Store{db: db, blobs: blobs}
}

// Write upserts a checkpoint; a second write for the same stage replaces the first.
func (s *Store) Write(ctx context.Context, cp *models.Checkpoint) error {
	if cp.StageIndex < 0 {
		return ErrInvalidStage
	}
	if cp.SizeBytes > MaxSizeBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, cp.SizeBytes)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Checkpoint{}).
			Where("job_id = ? AND stage_index = ?", cp.JobID, cp.StageIndex).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			var count int64
			if err := tx.Model(&models.Checkpoint{}).Where("job_id = ?", cp.JobID).Count(&count).Error; err != nil {
				return err
			}
			if count >= MaxPerJob {
				return fmt.Errorf("job %s: %w", cp.JobID, ErrTooManyCheckpoints)
			}
		}

		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"stage_name", "data_ref", "size_bytes", "metadata", "updated_at"}),
		}).Create(cp).Error
	})
}

// WriteStage stores a stage payload and records its checkpoint.
func (s *Store) WriteStage(ctx context.Context, jobID string, index int, name string, data []byte) (*models.Checkpoint, error) {
	if len(data) > MaxSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	cp := &models.Checkpoint{
		JobID:      jobID,
		StageIndex: index,
		StageName:  name,
		SizeBytes:  int64(len(data)),
	}
	if s.blobs != nil {
		ref, err := s.blobs.Put(ctx, stageKey(jobID, index), data, "application/json")
		if err != nil {
			return nil, err
		}
		cp.DataRef = ref
	} else {
		cp.DataRef = fmt.Sprintf("db://checkpoints/%s/%d", jobID, index)
		meta, err := json.Marshal(map[string]json.RawMessage{"output": asJSON(data)})
		if err != nil {
			return nil, err
		}
		cp.Metadata = datatypes.JSON(meta)
	}

	if err := s.Write(ctx, cp); err != nil {
		return nil, err
	}
	return s.Get(ctx, jobID, index)
}

// Get loads the checkpoint of one stage.
func (s *Store) Get(ctx context.Context, jobID string, index int) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).Where("job_id = ? AND stage_index = ?", jobID, index).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("checkpoint %s/%d: %w", jobID, index, models.ErrNotFound)
		}
		return nil, err
	}
	return &cp, nil
}

// Latest returns the highest stage checkpoint of a job.
func (s *Store) Latest(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("stage_index DESC").First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("checkpoints for %s: %w", jobID, models.ErrNotFound)
		}
		return nil, err
	}
	return &cp, nil
}

// List returns every checkpoint of a job in ascending stage order.
func (s *Store) List(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	var out []models.Checkpoint
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("stage_index ASC").Find(&out).Error
	return out, err
}

// Clear removes every checkpoint of a job and its stored payloads.
func (s *Store) Clear(ctx context.Context, jobID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&models.Checkpoint{})
	if res.Error != nil {
		return 0, res.Error
	}
	if s.blobs != nil {
		if err := s.blobs.RemovePrefix(ctx, "jobs/"+jobID+"/stages/"); err != nil {
			log.Printf("⚠️ Failed to remove checkpoint blobs for job %s: %v", jobID, err)
		}
	}
	return res.RowsAffected, nil
}

// RecordDiagnostic stores a failure snapshot for a job.
func (s *Store) RecordDiagnostic(ctx context.Context, d *models.FailureDiagnostic) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to record diagnostic for job %s: %w", d.JobID, err)
	}
	if s.blobs != nil {
		raw, err := json.Marshal(d)
		if err == nil {
			key := fmt.Sprintf("jobs/%s/diagnostics/%d.json", d.JobID, d.CreatedAt.UnixNano())
			if _, err := s.blobs.Put(ctx, key, raw, "application/json"); err != nil {
				log.Printf("⚠️ Failed to archive diagnostic for job %s: %v", d.JobID, err)
			}
		}
	}
	return nil
}

// Diagnostic returns the most recent failure snapshot of a job.
func (s *Store) Diagnostic(ctx context.Context, jobID string) (*models.FailureDiagnostic, error) {
	var d models.FailureDiagnostic
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id DESC").First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("diagnostic for %s: %w", jobID, models.ErrNotFound)
		}
		return nil, err
	}
	return &d, nil
}

// PresignedURL returns a download link for a checkpoint payload held in
// the blob store, or "" when the payload lives in the database.
func (s *Store) PresignedURL(ctx context.Context, cp *models.Checkpoint, expiry time.Duration) (string, error) {
	if s.blobs == nil {
		return "", nil
	}
	return s.blobs.PresignedURL(ctx, cp.DataRef, expiry)
}

func stageKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/stages/%04d.json", jobID, index)
}

func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
