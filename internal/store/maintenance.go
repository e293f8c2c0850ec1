package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"voiceos/internal/logging"
)

// Maintenance runs the periodic database sweep: trimming old interaction
// history and compacting the file. Decisions are deliberately not pruned;
// they are the training record.
type Maintenance struct {
	db            *DB
	retentionDays int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMaintenance creates a sweeper. retentionDays <= 0 disables interaction
// trimming (VACUUM still runs).
func NewMaintenance(db *DB, retentionDays int) *Maintenance {
	return &Maintenance{db: db, retentionDays: retentionDays}
}

// Sweep performs one maintenance pass immediately.
func (m *Maintenance) Sweep() error {
	timer := logging.StartTimer(logging.CategoryStore, "Maintenance.Sweep")
	defer timer.Stop()

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if m.retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)
		res, err := m.db.conn.Exec(`DELETE FROM interactions WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to trim interactions: %w", err)
		}
		if trimmed, err := res.RowsAffected(); err == nil && trimmed > 0 {
			logging.Store("Maintenance trimmed %d interactions older than %d days", trimmed, m.retentionDays)
		}
	}

	if _, err := m.db.conn.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Start launches the scheduler on a standard 5-field cron expression
// (minute hour day-of-month month day-of-week), e.g. "0 3 * * *" for
// daily at 3am. An empty schedule disables the sweeper.
func (m *Maintenance) Start(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		logging.Store("Maintenance sweeper disabled (no schedule)")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	logging.Store("Maintenance sweeper scheduled (cron: %s)", schedule)

	go func() {
		defer close(m.doneCh)
		for {
			now := time.Now()
			wait := sched.Next(now).Sub(now)

			select {
			case <-m.stopCh:
				return
			case <-time.After(wait):
			}

			if err := m.Sweep(); err != nil {
				logging.Get(logging.CategoryStore).Error("Maintenance sweep failed: %v", err)
			}
		}
	}()
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (m *Maintenance) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
}
