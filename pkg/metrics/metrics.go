package metrics

import (
	"sync/atomic"

	"github.com/DiDaimon/prima-update/pkg/plog"
)

// Metrics defines the interface for collecting and reporting update statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesDeleted(n int64)
	AddFilesIgnored(n int64)
	AddFilesUpToDate(n int64)
	AddFilesFailed(n int64)
	AddBackupsCreated(n int64)
	AddBackupsDeleted(n int64)
	Log()
}

// UpdateMetrics holds the atomic counters for tracking an update run's progress.
// It is the concrete implementation of the Metrics interface.
type UpdateMetrics struct {
	FilesCopied    atomic.Int64
	FilesDeleted   atomic.Int64
	FilesIgnored   atomic.Int64
	FilesUpToDate  atomic.Int64
	FilesFailed    atomic.Int64
	BackupsCreated atomic.Int64
	BackupsDeleted atomic.Int64
}

func (m *UpdateMetrics) AddFilesCopied(n int64)    { m.FilesCopied.Add(n) }
func (m *UpdateMetrics) AddFilesDeleted(n int64)   { m.FilesDeleted.Add(n) }
func (m *UpdateMetrics) AddFilesIgnored(n int64)   { m.FilesIgnored.Add(n) }
func (m *UpdateMetrics) AddFilesUpToDate(n int64)  { m.FilesUpToDate.Add(n) }
func (m *UpdateMetrics) AddFilesFailed(n int64)    { m.FilesFailed.Add(n) }
func (m *UpdateMetrics) AddBackupsCreated(n int64) { m.BackupsCreated.Add(n) }
func (m *UpdateMetrics) AddBackupsDeleted(n int64) { m.BackupsDeleted.Add(n) }

// Log prints a summary of the update run.
func (m *UpdateMetrics) Log() {
	plog.Info("SUM",
		"filesCopied", m.FilesCopied.Load(),
		"filesUpToDate", m.FilesUpToDate.Load(),
		"filesDeleted", m.FilesDeleted.Load(),
		"filesIgnored", m.FilesIgnored.Load(),
		"filesFailed", m.FilesFailed.Load(),
		"backupsCreated", m.BackupsCreated.Load(),
		"backupsDeleted", m.BackupsDeleted.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)    {}
func (m *NoopMetrics) AddFilesDeleted(n int64)   {}
func (m *NoopMetrics) AddFilesIgnored(n int64)   {}
func (m *NoopMetrics) AddFilesUpToDate(n int64)  {}
func (m *NoopMetrics) AddFilesFailed(n int64)    {}
func (m *NoopMetrics) AddBackupsCreated(n int64) {}
func (m *NoopMetrics) AddBackupsDeleted(n int64) {}
func (m *NoopMetrics) Log()                      {}

// Statically assert that our types implement the interface.
var _ Metrics = (*UpdateMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
