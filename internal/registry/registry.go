package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/pkg/errors"
)

// Registry is the model registry client backed by a transactional store.
type Registry struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg config.RegistryConfig, logger *zap.SugaredLogger) (*Registry, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store: %w", err)
	}
	return NewWithDB(db, logger)
}

// NewWithDB wraps an existing gorm handle; used by tests.
func NewWithDB(db *gorm.DB, logger *zap.SugaredLogger) (*Registry, error) {
	if err := db.AutoMigrate(&ModelArtifact{}, &ProductionPointer{}); err != nil {
		return nil, fmt.Errorf("registry migration failed: %w", err)
	}
	return &Registry{db: db, logger: logger}, nil
}

// Register stores a new artifact under the next version for its model name
// and stages it. Versions are never reused or decremented, even after
// rollback.
func (r *Registry) Register(ctx context.Context, artifact *ModelArtifact) (int64, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int64
		row := tx.Model(&ModelArtifact{}).
			Where("name = ?", artifact.Name).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}

		artifact.Version = maxVersion + 1
		artifact.Stage = StageStaged
		if err := tx.Create(artifact).Error; err != nil {
			return err
		}

		// Ensure the pointer row exists so promotions have a CAS target.
		ptr := ProductionPointer{Name: artifact.Name}
		return tx.Where(ProductionPointer{Name: artifact.Name}).FirstOrCreate(&ptr).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register model %s: %w", artifact.Name, err)
	}

	r.logger.Infow("Model registered",
		"model_name", artifact.Name,
		"version", artifact.Version,
		"kind", artifact.ModelKind)
	return artifact.Version, nil
}

// Promote transitions an artifact to the target stage. Promotion to
// production is atomic: the previous production version is demoted to
// archived in the same transaction, and a concurrent promotion race leaves
// exactly one winner; the loser gets a ConflictError naming the version
// that holds production. Rollback is a promotion of an archived version
// through this same path.
func (r *Registry) Promote(ctx context.Context, name string, version int64, target Stage) (*PromotionResult, error) {
	var result *PromotionResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var artifact ModelArtifact
		if err := tx.Where("name = ? AND version = ?", name, version).First(&artifact).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("model %s version %d not found", name, version)
			}
			return err
		}

		if target != StageProduction {
			// Demoting the version the pointer holds vacates production in the
			// same transaction; otherwise GetProduction would keep handing out
			// an artifact whose stage no longer says production.
			var ptr ProductionPointer
			err := tx.Where("name = ?", name).First(&ptr).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err == nil && ptr.CurrentVersion == version {
				cas := tx.Model(&ProductionPointer{}).
					Where("name = ? AND token = ?", name, ptr.Token).
					Updates(map[string]any{
						"current_version": 0,
						"token":           ptr.Token + 1,
					})
				if cas.Error != nil {
					return cas.Error
				}
				if cas.RowsAffected == 0 {
					var winner ProductionPointer
					if err := tx.Where("name = ?", name).First(&winner).Error; err != nil {
						return err
					}
					return errors.Conflict(winner.CurrentVersion)
				}
			}
			if err := tx.Model(&artifact).Update("stage", target).Error; err != nil {
				return err
			}
			result = &PromotionResult{Name: name, Version: version, Stage: target}
			if ptr.CurrentVersion == version {
				result.PreviousVersion = version
			}
			return nil
		}

		var ptr ProductionPointer
		if err := tx.Where(ProductionPointer{Name: name}).FirstOrCreate(&ptr).Error; err != nil {
			return err
		}
		if ptr.CurrentVersion == version {
			result = &PromotionResult{Name: name, Version: version, Stage: StageProduction, PreviousVersion: version}
			return nil
		}

		// Optimistic check-and-set on the pointer token. Zero rows affected
		// means another promotion won between our read and this write.
		cas := tx.Model(&ProductionPointer{}).
			Where("name = ? AND token = ?", name, ptr.Token).
			Updates(map[string]any{
				"current_version": version,
				"token":           ptr.Token + 1,
			})
		if cas.Error != nil {
			return cas.Error
		}
		if cas.RowsAffected == 0 {
			var winner ProductionPointer
			if err := tx.Where("name = ?", name).First(&winner).Error; err != nil {
				return err
			}
			return errors.Conflict(winner.CurrentVersion)
		}

		if ptr.CurrentVersion != 0 {
			if err := tx.Model(&ModelArtifact{}).
				Where("name = ? AND version = ?", name, ptr.CurrentVersion).
				Update("stage", StageArchived).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&artifact).Update("stage", StageProduction).Error; err != nil {
			return err
		}

		result = &PromotionResult{
			Name:            name,
			Version:         version,
			Stage:           StageProduction,
			PreviousVersion: ptr.CurrentVersion,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Infow("Model promoted",
		"model_name", name,
		"version", version,
		"stage", target,
		"previous_version", result.PreviousVersion)
	return result, nil
}

// GetProduction returns the artifact currently holding the production stage.
func (r *Registry) GetProduction(ctx context.Context, name string) (*ModelArtifact, error) {
	var ptr ProductionPointer
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&ptr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && ptr.CurrentVersion == 0) {
		return nil, errors.NotFound("no production version for model %q", name)
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, name, ptr.CurrentVersion)
}

// Get returns a specific artifact version.
func (r *Registry) Get(ctx context.Context, name string, version int64) (*ModelArtifact, error) {
	var artifact ModelArtifact
	err := r.db.WithContext(ctx).Where("name = ? AND version = ?", name, version).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("model %s version %d not found", name, version)
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// List returns all versions of a model, newest first. An empty name lists
// every model.
func (r *Registry) List(ctx context.Context, name string) ([]ModelArtifact, error) {
	var artifacts []ModelArtifact
	q := r.db.WithContext(ctx).Order("name ASC, version DESC")
	if name != "" {
		q = q.Where("name = ?", name)
	}
	err := q.Find(&artifacts).Error
	return artifacts, err
}
