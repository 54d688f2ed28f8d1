package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"task-ledger/internal/models"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var (
	// ErrDuplicateJobID is returned when a task with the same job id already exists
	ErrDuplicateJobID = errors.New("duplicate job id")
	// ErrNotFound is returned when the addressed row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable wraps every infrastructure failure of the store
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DB wraps the gorm handle with the ledger operations
type DB struct {
	*gorm.DB
	driver string
}

// New opens the ledger with the given driver and DSN
func New(driver, dsn string) (*DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = gormmysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	// Quiet logger: errors only, record-not-found is an expected outcome here.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		},
	)

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, unavailable("open", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer; serialize through one connection.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, unavailable("open", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: gdb, driver: driver}, nil
}

// Driver returns the configured driver name
func (db *DB) Driver() string {
	return db.driver
}

// InitSchema creates or migrates the queues and tasks tables
func (db *DB) InitSchema() error {
	return db.AutoMigrate(&models.Queue{}, &models.Task{})
}

// Ping checks the store is reachable
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	return unavailable("ping", sqlDB.PingContext(ctx))
}

// Close closes the underlying connection pool after in-flight queries return
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertQueue returns the queue row named name, creating it if needed.
// Concurrent callers converge on the same row.
func (db *DB) UpsertQueue(ctx context.Context, name string) (*models.Queue, error) {
	q := models.Queue{Name: name}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&q).Error
	if err != nil && !isUniqueViolation(err) {
		return nil, unavailable("upsert queue", err)
	}

	var existing models.Queue
	if err := db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; err != nil {
		return nil, unavailable("upsert queue", err)
	}
	return &existing, nil
}

// GetQueue retrieves a queue by name
func (db *DB) GetQueue(ctx context.Context, name string) (*models.Queue, error) {
	var q models.Queue
	err := db.WithContext(ctx).Where("name = ?", name).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get queue", err)
	}
	return &q, nil
}

// ListQueues retrieves every queue row ordered by name
func (db *DB) ListQueues(ctx context.Context) ([]models.Queue, error) {
	queues := []models.Queue{}
	if err := db.WithContext(ctx).Order("name ASC").Find(&queues).Error; err != nil {
		return nil, unavailable("list queues", err)
	}
	return queues, nil
}

// UpdateQueueHealth records the last observed broker counts for a queue.
// Returns ErrNotFound if the queue has not been created yet.
func (db *DB) UpdateQueueHealth(ctx context.Context, name string, checkedAt time.Time, counts models.JobCounts) error {
	res := db.WithContext(ctx).Model(&models.Queue{}).Where("name = ?", name).Updates(map[string]any{
		"checked_at": checkedAt.UTC(),
		"waiting":    counts.Waiting,
		"active":     counts.Active,
		"completed":  counts.Completed,
		"failed":     counts.Failed,
	})
	if res.Error != nil {
		return unavailable("update queue health", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTask inserts a WAITING task for jobID
func (db *DB) CreateTask(ctx context.Context, name, jobID string, queueID uint, data datatypes.JSON) (*models.Task, error) {
	task := &models.Task{
		JobID:   jobID,
		Name:    name,
		Status:  models.StatusWaiting,
		Data:    data,
		QueueID: queueID,
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, jobID)
		}
		return nil, unavailable("create task", err)
	}
	return task, nil
}

// GetTask retrieves a task and its queue by job id
func (db *DB) GetTask(ctx context.Context, jobID string) (*models.Task, error) {
	var task models.Task
	err := db.WithContext(ctx).Preload("Queue").Where("job_id = ?", jobID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return &task, nil
}

// UpdateTaskStatus moves the task to status only if that is a forward move
// from its current status. It returns the updated row, or nil when no row
// matched or the move was not forward.
func (db *DB) UpdateTaskStatus(ctx context.Context, jobID string, status models.TaskStatus) (*models.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update task status: invalid status %q", status)
	}
	from := status.Predecessors()
	if len(from) == 0 {
		return nil, nil
	}

	var updated *models.Task
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("job_id = ? AND status IN ?", jobID, from).
			Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var task models.Task
		if err := tx.Preload("Queue").Where("job_id = ?", jobID).First(&task).Error; err != nil {
			return err
		}
		updated = &task
		return nil
	})
	if err != nil {
		return nil, unavailable("update task status", err)
	}
	return updated, nil
}

// DeleteTask removes a task by job id
func (db *DB) DeleteTask(ctx context.Context, jobID string) error {
	res := db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&models.Task{})
	if res.Error != nil {
		return unavailable("delete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, jobID)
	}
	return nil
}

// ListTasks returns one page of tasks, newest first, together with the
// number of tasks matching the same filter. Both reads share a transaction.
func (db *DB) ListTasks(ctx context.Context, q models.TaskQuery) (*models.TaskPage, error) {
	q = q.Normalize()
	page := &models.TaskPage{Data: []models.Task{}}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		filtered := func() *gorm.DB {
			scope := tx.Model(&models.Task{})
			if q.Status != "" {
				scope = scope.Where("tasks.status = ?", q.Status)
			}
			if q.Queue != "" {
				scope = scope.Joins("JOIN queues ON queues.id = tasks.queue_id").Where("queues.name = ?", q.Queue)
			}
			return scope
		}

		if err := filtered().Count(&page.Count).Error; err != nil {
			return err
		}
		return filtered().
			Select("tasks.*").
			Preload("Queue").
			Order("tasks.created_at DESC").
			Order("tasks.id DESC").
			Offset((q.Page - 1) * q.PageSize).
			Limit(q.PageSize).
			Find(&page.Data).Error
	})
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	return page, nil
}

// ListQueueTasks returns every task of a queue
func (db *DB) ListQueueTasks(ctx context.Context, queueID uint) ([]models.Task, error) {
	tasks := []models.Task{}
	if err := db.WithContext(ctx).Where("queue_id = ?", queueID).Find(&tasks).Error; err != nil {
		return nil, unavailable("list queue tasks", err)
	}
	return tasks, nil
}

// Helper functions

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
