package membership

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedmesh/pkg/types"
)

// SnapshotStore is the persistence surface the manager checkpoints to.
type SnapshotStore interface {
	SaveSnapshot(entries []types.KnownServer) error
	LoadSnapshot() ([]types.KnownServer, error)
}

// SnapshotManager periodically checkpoints the membership table so a
// restarted node starts from a warm peer list instead of bootstrap alone.
type SnapshotManager struct {
	table    *Table
	store    SnapshotStore
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSnapshotManager wires a manager; call Start to begin checkpointing.
func NewSnapshotManager(table *Table, store SnapshotStore, interval time.Duration, clk clock.Clock, logger *zap.Logger) *SnapshotManager {
	return &SnapshotManager{
		table:    table,
		store:    store,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Restore loads any persisted snapshot into the table. Entries enter as
// Suspect and must be reconfirmed by live gossip.
func (m *SnapshotManager) Restore() error {
	entries, err := m.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	n := m.table.RestoreSnapshot(entries)
	m.logger.Info("restored membership snapshot",
		zap.Int("loaded", len(entries)),
		zap.Int("admitted", n))
	return nil
}

// Start launches the periodic checkpoint loop.
func (m *SnapshotManager) Start() {
	go m.run()
}

// Stop halts the loop and takes a final checkpoint.
func (m *SnapshotManager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	if err := m.Checkpoint(); err != nil {
		m.logger.Error("final membership checkpoint failed", zap.Error(err))
	}
}

// Checkpoint persists the current table.
func (m *SnapshotManager) Checkpoint() error {
	return m.store.SaveSnapshot(m.table.All())
}

func (m *SnapshotManager) run() {
	defer close(m.doneCh)
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Checkpoint(); err != nil {
				m.logger.Error("membership checkpoint failed", zap.Error(err))
			}
		case <-m.stopCh:
			return
		}
	}
}
