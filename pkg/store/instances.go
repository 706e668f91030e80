package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InstanceStore persists generation backend instances.
type InstanceStore struct {
	db *gorm.DB
}

// NewInstanceStore creates an instance store on db.
func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// Create inserts an instance, disconnected until its connection comes up.
func (s *InstanceStore) Create(ctx context.Context, inst *models.GenerationInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	inst.Status = models.InstanceDisconnected
	inst.CreatedAt = now()
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// Get loads an instance by id.
func (s *InstanceStore) Get(ctx context.Context, id string) (*models.GenerationInstance, error) {
	var inst models.GenerationInstance
	if err := s.db.WithContext(ctx).First(&inst, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "instance", id)
	}
	return &inst, nil
}

// GetByName loads an instance by name.
func (s *InstanceStore) GetByName(ctx context.Context, name string) (*models.GenerationInstance, error) {
	var inst models.GenerationInstance
	if err := s.db.WithContext(ctx).First(&inst, "name = ?", name).Error; err != nil {
		return nil, notFound(err, "instance", name)
	}
	return &inst, nil
}

// List returns every instance.
func (s *InstanceStore) List(ctx context.Context) ([]models.GenerationInstance, error) {
	var out []models.GenerationInstance
	return out, s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
}

// ListEnabled returns instances the platform should connect to.
func (s *InstanceStore) ListEnabled(ctx context.Context) ([]models.GenerationInstance, error) {
	var out []models.GenerationInstance
	return out, s.db.WithContext(ctx).Where("is_enabled = ?", true).Order("created_at ASC").Find(&out).Error
}

// SetStatus records a connect or disconnect.
func (s *InstanceStore) SetStatus(ctx context.Context, id string, status models.InstanceStatus, at time.Time) error {
	updates := map[string]interface{}{"status": status}
	if status == models.InstanceConnected {
		updates["last_connected_at"] = at.UTC()
	} else {
		updates["last_disconnected_at"] = at.UTC()
	}
	return s.db.WithContext(ctx).Model(&models.GenerationInstance{}).Where("id = ?", id).Updates(updates).Error
}

// IncrementReconnect bumps the reconnect attempt counter.
func (s *InstanceStore) IncrementReconnect(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.GenerationInstance{}).
		Where("id = ?", id).
		UpdateColumn("reconnect_attempts", gorm.Expr("reconnect_attempts + 1")).Error
}

// ResetReconnect zeroes the counter after a successful handshake.
func (s *InstanceStore) ResetReconnect(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.GenerationInstance{}).
		Where("id = ?", id).
		UpdateColumn("reconnect_attempts", 0).Error
}

// SetEnabled toggles whether the platform connects to the instance.
func (s *InstanceStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.GenerationInstance{}).Where("id = ?", id).Update("is_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ExecutionStore maps backend prompt ids to jobs.
type ExecutionStore struct {
	db *gorm.DB
}

// NewExecutionStore creates an execution store on db.
func NewExecutionStore(db *gorm.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create records a freshly submitted prompt.
func (s *ExecutionStore) Create(ctx context.Context, instanceID, jobID, promptID string) (*models.GenerationExecution, error) {
	ts := now()
	e := &models.GenerationExecution{
		ID:          uuid.New().String(),
		InstanceID:  instanceID,
		JobID:       jobID,
		PromptID:    promptID,
		Status:      models.ExecutionSubmitted,
		LastEventAt: ts,
		CreatedAt:   ts,
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	return e, nil
}

// FindByPrompt resolves a prompt id.
func (s *ExecutionStore) FindByPrompt(ctx context.Context, promptID string) (*models.GenerationExecution, error) {
	var e models.GenerationExecution
	if err := s.db.WithContext(ctx).First(&e, "prompt_id = ?", promptID).Error; err != nil {
		return nil, notFound(err, "execution", promptID)
	}
	return &e, nil
}

// ActiveForJob returns the in-flight execution of a job.
func (s *ExecutionStore) ActiveForJob(ctx context.Context, jobID string) (*models.GenerationExecution, error) {
	var e models.GenerationExecution
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID, models.ActiveExecutionStatuses).
		Order("created_at DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "active execution for job", jobID)
	}
	return &e, nil
}

// ListActive returns in-flight executions on an instance.
func (s *ExecutionStore) ListActive(ctx context.Context, instanceID string) ([]models.GenerationExecution, error) {
	var out []models.GenerationExecution
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status IN ?", instanceID, models.ActiveExecutionStatuses).
		Find(&out).Error
	return out, err
}

// ListStale returns in-flight executions on an instance with no event since cutoff.
func (s *ExecutionStore) ListStale(ctx context.Context, instanceID string, cutoff time.Time) ([]models.GenerationExecution, error) {
	var out []models.GenerationExecution
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status IN ? AND last_event_at < ?", instanceID, models.ActiveExecutionStatuses, cutoff.UTC()).
		Find(&out).Error
	return out, err
}

// Touch records an event for an in-flight execution.
func (s *ExecutionStore) Touch(ctx context.Context, promptID string, percent int, node string) error {
	updates := map[string]interface{}{
		"status":        models.ExecutionRunning,
		"last_event_at": now(),
	}
	if percent >= 0 {
		updates["progress_percent"] = clampPercent(percent)
	}
	if node != "" {
		updates["current_node"] = node
	}
	return s.db.WithContext(ctx).Model(&models.GenerationExecution{}).
		Where("prompt_id = ? AND status IN ?", promptID, models.ActiveExecutionStatuses).
		Updates(updates).Error
}

// RecordStages stores how many stages an in-flight execution has finished
// and the outputs gathered so far. The count never moves backwards.
func (s *ExecutionStore) RecordStages(ctx context.Context, promptID string, count int, outputs json.RawMessage) error {
	updates := map[string]interface{}{
		"stage_count":   count,
		"last_event_at": now(),
	}
	if len(outputs) > 0 {
		updates["outputs"] = datatypes.JSON(outputs)
	}
	return s.db.WithContext(ctx).Model(&models.GenerationExecution{}).
		Where("prompt_id = ? AND status IN ? AND stage_count < ?", promptID, models.ActiveExecutionStatuses, count).
		Updates(updates).Error
}

// Finish moves an in-flight execution to a terminal status.
func (s *ExecutionStore) Finish(ctx context.Context, promptID string, status models.ExecutionStatus, outputs datatypes.JSON, errMsg string) error {
	ts := now()
	updates := map[string]interface{}{
		"status":        status,
		"last_event_at": ts,
		"completed_at":  ts,
		"error_message": errMsg,
	}
	if len(outputs) > 0 {
		updates["outputs"] = outputs
	}
	return s.db.WithContext(ctx).Model(&models.GenerationExecution{}).
		Where("prompt_id = ? AND status IN ?", promptID, models.ActiveExecutionStatuses).
		Updates(updates).Error
}
