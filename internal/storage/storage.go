package storage

import (
	"context"
	"time"
)

// UnsetMessageID is the sentinel for an experiment record slot that has not
// had a successful first send yet.
const UnsetMessageID = -1

// UnsetIteration is the sentinel for "never announced".
const UnsetIteration = -1

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User holds a subscriber's tracking-server credentials.
type User struct {
	ID        int64
	Username  string
	Host      string
	AccessKey string
	SecretKey string
}

// MetricPoint is one sample of one metric time series.
// Unique on (UserID, ExperimentID, Section, Metric, Iteration); later writes
// for the same key overwrite the value.
type MetricPoint struct {
	UserID       int64
	ExperimentID string
	Section      string
	Metric       string
	Iteration    int64
	Value        float64
}

// ExperimentRecord is the per-(user, experiment) rendering state: the last
// iteration announced and the message ids currently displaying the text
// summary and the train/val plots.
//
// A slot is UnsetMessageID only until the first successful send for it;
// thereafter it always holds the id of the currently displayed message.
type ExperimentRecord struct {
	ExperimentID   string
	Name           string
	LastIteration  int64
	TextMessageID  int
	TrainMessageID int
	ValMessageID   int
}

// NewExperimentRecord returns a record with all slots unset, equivalent to
// the experiment being absent from storage.
func NewExperimentRecord(id, name string) ExperimentRecord {
	return ExperimentRecord{
		ExperimentID:   id,
		Name:           name,
		LastIteration:  UnsetIteration,
		TextMessageID:  UnsetMessageID,
		TrainMessageID: UnsetMessageID,
		ValMessageID:   UnsetMessageID,
	}
}

// Store is the persistence API used by the monitor and the bot layer.
// All writes are upserts.
type Store interface {
	GetUser(ctx context.Context, id int64) (User, bool, error)
	PutUser(ctx context.Context, u User) error

	UpsertMetricPoint(ctx context.Context, p MetricPoint) error
	MetricsBySection(ctx context.Context, userID int64, experimentID, section string) ([]MetricPoint, error)

	GetExperiment(ctx context.Context, userID int64, experimentID string) (ExperimentRecord, bool, error)
	PutExperiment(ctx context.Context, userID int64, rec ExperimentRecord) error

	Close() error
}
