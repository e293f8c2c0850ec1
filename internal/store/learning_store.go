package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// DefaultRejectionPenalty is the weight of a shown-but-not-chosen candidate
// relative to an execution failure (weight 1.0). Tunable via
// learning.rejection_penalty.
const DefaultRejectionPenalty = 0.25

// LearningStore records every resolution outcome as an immutable training
// example and feeds success/failure back into interaction statistics. It is
// the sole mutator of those statistics; the command generator only reads
// them.
type LearningStore struct {
	db *DB

	// rejectionPenalty weights the implicit failure signal for candidates
	// that were shown during confirmation but not chosen.
	rejectionPenalty float64
}

// NewLearningStore creates a learning store over the shared database.
func NewLearningStore(db *DB, rejectionPenalty float64) *LearningStore {
	if rejectionPenalty <= 0 || rejectionPenalty > 1 {
		rejectionPenalty = DefaultRejectionPenalty
	}
	return &LearningStore{db: db, rejectionPenalty: rejectionPenalty}
}

// RecordDecision inserts the immutable training example. When a command was
// chosen its usage count is incremented, and when the decision came out of a
// confirmation the shown-but-not-chosen candidates receive a weighted
// rejection interaction. One transaction for all of it.
//
// shown carries the fingerprints of the candidates that were presented;
// decision.Candidates alone only has texts and scores.
func (ls *LearningStore) RecordDecision(decision types.DisambiguationDecision, shown []types.GeneratedCommand) error {
	timer := logging.StartTimer(logging.CategoryLearning, "LearningStore.RecordDecision")
	defer timer.Stop()

	candidates, err := json.Marshal(decision.Candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}

	ls.db.mu.Lock()
	defer ls.db.mu.Unlock()

	tx, err := ls.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := decision.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO decisions (id, utterance, candidates_json, chosen_command_text, auto_executed, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.Utterance, string(candidates),
		nullable(decision.ChosenCommandText), decision.AutoExecuted,
		decision.ConfidenceAtDecision, ts)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	if decision.ChosenCommandText != "" && decision.ChosenFingerprint != "" {
		_, err = tx.Exec(`
			UPDATE commands SET usage_count = usage_count + 1, last_used_at = ?
			WHERE fingerprint = ? AND command_text = ? COLLATE NOCASE`,
			ts, string(decision.ChosenFingerprint), decision.ChosenCommandText)
		if err != nil {
			return fmt.Errorf("failed to bump usage count: %w", err)
		}
	}

	// Implicit failure signal: every candidate the user saw and passed over,
	// at a fraction of an execution failure's weight. Only confirmation
	// decisions carry this; an auto-execute never showed alternatives.
	if !decision.AutoExecuted {
		for _, cmd := range shown {
			if strings.EqualFold(cmd.CommandText, decision.ChosenCommandText) {
				continue
			}
			_, err = tx.Exec(`
				INSERT INTO interactions (fingerprint, command_text, outcome, weight, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				string(cmd.Fingerprint), cmd.CommandText, string(types.OutcomeRejected),
				ls.rejectionPenalty, ts)
			if err != nil {
				return fmt.Errorf("failed to insert rejection interaction: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}

	logging.Learning("Recorded decision id=%s auto=%v chosen=%q candidates=%d",
		decision.ID, decision.AutoExecuted, decision.ChosenCommandText, len(decision.Candidates))
	return nil
}

// RecordOutcome reports the actual execution result of a previously chosen
// command: it appends the interaction and, on success, increments the
// command's success count. The success count never exceeds the usage count.
func (ls *LearningStore) RecordOutcome(fp types.Fingerprint, commandText string, success bool) error {
	ls.db.mu.Lock()
	defer ls.db.mu.Unlock()

	tx, err := ls.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcome := types.OutcomeFailure
	if success {
		outcome = types.OutcomeSuccess
	}

	_, err = tx.Exec(`
		INSERT INTO interactions (fingerprint, command_text, outcome, weight, created_at)
		VALUES (?, ?, ?, 1.0, ?)`,
		string(fp), commandText, string(outcome), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	if success {
		_, err = tx.Exec(`
			UPDATE commands SET success_count = success_count + 1
			WHERE fingerprint = ? AND command_text = ? COLLATE NOCASE
			  AND success_count < usage_count`,
			string(fp), commandText)
		if err != nil {
			return fmt.Errorf("failed to bump success count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}

	logging.Learning("Recorded outcome fingerprint=%s command=%q success=%v", fp, commandText, success)
	return nil
}

// InteractionStats aggregates the weighted interaction history for one
// fingerprint. Count is the number of actual executions (success/failure);
// rejections only dilute the success rate, at their penalty weight.
// SuccessRate is nil when the element has no history at all.
func (ls *LearningStore) InteractionStats(fp types.Fingerprint) (types.InteractionStats, error) {
	ls.db.mu.RLock()
	defer ls.db.mu.RUnlock()

	var (
		executions    int
		totalWeight   sql.NullFloat64
		successWeight sql.NullFloat64
	)
	err := ls.db.conn.QueryRow(`
		SELECT
			COUNT(CASE WHEN outcome IN ('success','failure') THEN 1 END),
			SUM(weight),
			SUM(CASE WHEN outcome = 'success' THEN weight ELSE 0 END)
		FROM interactions WHERE fingerprint = ?`, string(fp)).
		Scan(&executions, &totalWeight, &successWeight)
	if err != nil {
		return types.InteractionStats{}, fmt.Errorf("failed to aggregate interactions: %w", err)
	}

	stats := types.InteractionStats{Count: executions}
	if totalWeight.Valid && totalWeight.Float64 > 0 {
		rate := successWeight.Float64 / totalWeight.Float64
		stats.SuccessRate = &rate
	}
	return stats, nil
}

// RecentDecisions returns up to limit decisions, newest first. Retained for
// calibration and export; the engine itself never deletes them.
func (ls *LearningStore) RecentDecisions(limit int) ([]types.DisambiguationDecision, error) {
	if limit <= 0 {
		limit = 50
	}

	ls.db.mu.RLock()
	defer ls.db.mu.RUnlock()

	rows, err := ls.db.conn.Query(`
		SELECT id, utterance, candidates_json, chosen_command_text, auto_executed, confidence, created_at
		FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []types.DisambiguationDecision
	for rows.Next() {
		var (
			d          types.DisambiguationDecision
			candidates string
			chosen     sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Utterance, &candidates, &chosen,
			&d.AutoExecuted, &d.ConfidenceAtDecision, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.ChosenCommandText = chosen.String
		if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
			return nil, fmt.Errorf("malformed candidates_json: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// InteractionsFor returns the raw interaction records for one fingerprint,
// newest first. Primarily a stats/debugging surface.
func (ls *LearningStore) InteractionsFor(fp types.Fingerprint) ([]types.InteractionRecord, error) {
	ls.db.mu.RLock()
	defer ls.db.mu.RUnlock()

	rows, err := ls.db.conn.Query(`
		SELECT fingerprint, command_text, outcome, weight, created_at
		FROM interactions WHERE fingerprint = ? ORDER BY created_at DESC, id DESC`, string(fp))
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var records []types.InteractionRecord
	for rows.Next() {
		var (
			rec     types.InteractionRecord
			fpStr   string
			outcome string
		)
		if err := rows.Scan(&fpStr, &rec.CommandText, &outcome, &rec.Weight, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		rec.Fingerprint = types.Fingerprint(fpStr)
		rec.Outcome = types.InteractionOutcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}
