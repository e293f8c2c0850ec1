package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voiceos/internal/fingerprint"
	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// ElementStore persists fingerprinted UI elements and their generated
// commands. Elements are upserted on every scrape; absence from a rescrape
// of a previously-seen screen increments a miss counter that eventually
// cascades the element and everything referencing it out of the store.
type ElementStore struct {
	db *DB

	// missedThreshold: an element pruned once missed_scrape_count exceeds it.
	missedThreshold int
}

// NewElementStore creates an element store over the shared database.
func NewElementStore(db *DB, missedThreshold int) *ElementStore {
	if missedThreshold < 1 {
		missedThreshold = 3
	}
	return &ElementStore{db: db, missedThreshold: missedThreshold}
}

// Upsert computes the snapshot's fingerprint and inserts or refreshes its
// record, resetting the miss counter. Malformed snapshots fail with
// ErrInvalidSnapshot and are never persisted.
func (es *ElementStore) Upsert(snapshot types.ElementSnapshot) (types.Fingerprint, error) {
	if err := snapshot.Validate(); err != nil {
		return "", err
	}

	es.db.mu.Lock()
	defer es.db.mu.Unlock()

	fp, err := es.upsertLocked(es.db.conn, snapshot, time.Now().UTC())
	if err != nil {
		return "", err
	}
	logging.StoreDebug("Upserted element fingerprint=%s screen=%s", fp, snapshot.ScreenID)
	return fp, nil
}

// UpsertBatch upserts all snapshots of one scrape in a single transaction:
// either the whole screen lands or none of it does. Returns the fingerprints
// in input order. Any invalid snapshot fails the batch before writing.
func (es *ElementStore) UpsertBatch(snapshots []types.ElementSnapshot) ([]types.Fingerprint, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ElementStore.UpsertBatch")
	defer timer.Stop()

	for i := range snapshots {
		if err := snapshots[i].Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
	}

	es.db.mu.Lock()
	defer es.db.mu.Unlock()

	tx, err := es.db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	fps := make([]types.Fingerprint, 0, len(snapshots))
	for _, s := range snapshots {
		fp, err := es.upsertLocked(tx, s, now)
		if err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch upsert: %w", err)
	}
	logging.StoreDebug("Batch upserted %d elements", len(fps))
	return fps, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (es *ElementStore) upsertLocked(ex execer, s types.ElementSnapshot, now time.Time) (types.Fingerprint, error) {
	fp := fingerprint.Derive(s)

	ancestor, err := json.Marshal(s.AncestorPath)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ancestor path: %w", err)
	}
	bounds, err := json.Marshal(s.Bounds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bounds: %w", err)
	}
	caps, err := json.Marshal(s.Capabilities)
	if err != nil {
		return "", fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	var state []byte
	if len(s.CurrentState) > 0 {
		if state, err = json.Marshal(s.CurrentState); err != nil {
			return "", fmt.Errorf("failed to marshal current state: %w", err)
		}
	}

	// The ON CONFLICT branch resets missed_scrape_count: a rescrape always
	// wins over any in-flight prune decision for the same key.
	_, err = ex.Exec(`
		INSERT INTO elements (
			fingerprint, package_name, app_version, resource_id, class_name,
			ancestor_path, normalized_text, bounds, capabilities, current_state,
			screen_id, last_seen_at, missed_scrape_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(fingerprint) DO UPDATE SET
			bounds = excluded.bounds,
			capabilities = excluded.capabilities,
			current_state = excluded.current_state,
			screen_id = excluded.screen_id,
			last_seen_at = excluded.last_seen_at,
			missed_scrape_count = 0`,
		string(fp), s.PackageName, s.AppVersion, nullable(s.ResourceID), s.ClassName,
		string(ancestor), nullable(s.NormalizedText), string(bounds), string(caps), nullableBytes(state),
		s.ScreenID, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert element: %w", err)
	}
	return fp, nil
}

// MarkAbsent increments the element's miss counter. When the counter crosses
// the configured threshold the element and every command and interaction
// referencing it are deleted in one transaction. A no-op for unknown
// fingerprints. Returns true when the element was pruned.
func (es *ElementStore) MarkAbsent(fp types.Fingerprint) (bool, error) {
	es.db.mu.Lock()
	defer es.db.mu.Unlock()

	tx, err := es.db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE elements SET missed_scrape_count = missed_scrape_count + 1 WHERE fingerprint = ?`,
		string(fp))
	if err != nil {
		return false, fmt.Errorf("failed to increment miss count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil // unknown fingerprint: total no-op
	}

	// The WHERE clause re-checks the counter inside the same transaction, so
	// a concurrent upsert that reset it to zero makes this a no-op.
	res, err = tx.Exec(
		`DELETE FROM elements WHERE fingerprint = ? AND missed_scrape_count > ?`,
		string(fp), es.missedThreshold)
	if err != nil {
		return false, fmt.Errorf("failed to prune element: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit mark-absent: %w", err)
	}

	if pruned > 0 {
		logging.Store("Pruned element fingerprint=%s (missed > %d scrapes, cascade)", fp, es.missedThreshold)
	}
	return pruned > 0, nil
}

// Get returns the element record for a fingerprint, or nil if absent.
func (es *ElementStore) Get(fp types.Fingerprint) (*types.ElementRecord, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	row := es.db.conn.QueryRow(`
		SELECT fingerprint, package_name, app_version, resource_id, class_name,
		       ancestor_path, normalized_text, bounds, capabilities, current_state,
		       screen_id, last_seen_at, missed_scrape_count
		FROM elements WHERE fingerprint = ?`, string(fp))

	rec, err := scanElement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load element: %w", err)
	}
	return rec, nil
}

// GetCurrentState returns the most recent known state for a capability, or
// ("", false) if never observed. Total over unknown fingerprints.
func (es *ElementStore) GetCurrentState(fp types.Fingerprint, cap types.Capability) (string, bool) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	var raw sql.NullString
	err := es.db.conn.QueryRow(
		`SELECT current_state FROM elements WHERE fingerprint = ?`, string(fp)).Scan(&raw)
	if err != nil || !raw.Valid {
		return "", false
	}

	var state map[types.Capability]string
	if err := json.Unmarshal([]byte(raw.String), &state); err != nil {
		logging.StoreDebug("Malformed current_state for %s: %v", fp, err)
		return "", false
	}
	v, ok := state[cap]
	return v, ok
}

// ElementsForScreen returns all live elements last seen on the given screen.
func (es *ElementStore) ElementsForScreen(screenID string) ([]types.ElementRecord, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	rows, err := es.db.conn.Query(`
		SELECT fingerprint, package_name, app_version, resource_id, class_name,
		       ancestor_path, normalized_text, bounds, capabilities, current_state,
		       screen_id, last_seen_at, missed_scrape_count
		FROM elements WHERE screen_id = ? ORDER BY fingerprint`, screenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query screen elements: %w", err)
	}
	defer rows.Close()

	var records []types.ElementRecord
	for rows.Next() {
		rec, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// FingerprintsForScreen returns the fingerprints last seen on a screen. Used
// by the scraper to compute the absence set after a scrape completes.
func (es *ElementStore) FingerprintsForScreen(screenID string) ([]types.Fingerprint, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	rows, err := es.db.conn.Query(
		`SELECT fingerprint FROM elements WHERE screen_id = ? ORDER BY fingerprint`, screenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query screen fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []types.Fingerprint
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fps = append(fps, types.Fingerprint(fp))
	}
	return fps, rows.Err()
}

// ReplaceScreenCommands atomically replaces the generated commands for a set
// of elements. All rows commit or none do, so a command can never reference
// an element that failed to land.
func (es *ElementStore) ReplaceScreenCommands(commands map[types.Fingerprint][]types.GeneratedCommand) error {
	timer := logging.StartTimer(logging.CategoryStore, "ElementStore.ReplaceScreenCommands")
	defer timer.Stop()

	es.db.mu.Lock()
	defer es.db.mu.Unlock()

	tx, err := es.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for fp, cmds := range commands {
		// Preserve usage statistics across regeneration: read them before
		// deleting the old rows.
		stats, err := loadCommandStats(tx, fp)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM commands WHERE fingerprint = ?`, string(fp)); err != nil {
			return fmt.Errorf("failed to clear commands for %s: %w", fp, err)
		}
		for _, cmd := range cmds {
			if prev, ok := stats[strings.ToLower(cmd.CommandText)]; ok {
				cmd.UsageCount = prev.usage
				cmd.SuccessCount = prev.success
				cmd.LastUsedAt = prev.lastUsed
			}
			syns, err := json.Marshal(cmd.Synonyms)
			if err != nil {
				return fmt.Errorf("failed to marshal synonyms: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO commands (
					command_text, fingerprint, action_type, base_confidence,
					calibrated_confidence, synonyms, usage_count, success_count, last_used_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cmd.CommandText, string(fp), string(cmd.ActionType), cmd.BaseConfidence,
				cmd.CalibratedConfidence, string(syns), cmd.UsageCount, cmd.SuccessCount,
				nullableTime(cmd.LastUsedAt))
			if err != nil {
				return fmt.Errorf("failed to insert command %q: %w", cmd.CommandText, err)
			}
			total++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit command replacement: %w", err)
	}
	logging.StoreDebug("Replaced commands for %d elements (%d rows)", len(commands), total)
	return nil
}

// CommandsForScreen returns the current candidate pool for a screen.
func (es *ElementStore) CommandsForScreen(screenID string) ([]types.GeneratedCommand, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	rows, err := es.db.conn.Query(`
		SELECT c.command_text, c.fingerprint, c.action_type, c.base_confidence,
		       c.calibrated_confidence, c.synonyms, c.usage_count, c.success_count, c.last_used_at
		FROM commands c
		JOIN elements e ON e.fingerprint = c.fingerprint
		WHERE e.screen_id = ?
		ORDER BY c.command_text`, screenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query screen commands: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

// LearnedApps returns the distinct package names with at least one stored
// element.
func (es *ElementStore) LearnedApps() ([]string, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	rows, err := es.db.conn.Query(`SELECT DISTINCT package_name FROM elements ORDER BY package_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query learned apps: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, err
		}
		apps = append(apps, pkg)
	}
	return apps, rows.Err()
}

// CommandsForApp returns every stored command for a package.
func (es *ElementStore) CommandsForApp(packageName string) ([]types.GeneratedCommand, error) {
	es.db.mu.RLock()
	defer es.db.mu.RUnlock()

	rows, err := es.db.conn.Query(`
		SELECT c.command_text, c.fingerprint, c.action_type, c.base_confidence,
		       c.calibrated_confidence, c.synonyms, c.usage_count, c.success_count, c.last_used_at
		FROM commands c
		JOIN elements e ON e.fingerprint = c.fingerprint
		WHERE e.package_name = ?
		ORDER BY c.command_text`, packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to query app commands: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

// =============================================================================
// ROW SCANNING HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElement(row rowScanner) (*types.ElementRecord, error) {
	var (
		rec                    types.ElementRecord
		fp                     string
		resourceID, normText   sql.NullString
		ancestor, bounds, caps string
		state                  sql.NullString
		lastSeen               sql.NullTime
	)
	err := row.Scan(&fp, &rec.Snapshot.PackageName, &rec.Snapshot.AppVersion, &resourceID,
		&rec.Snapshot.ClassName, &ancestor, &normText, &bounds, &caps, &state,
		&rec.Snapshot.ScreenID, &lastSeen, &rec.MissedScrapeCount)
	if err != nil {
		return nil, err
	}

	rec.Fingerprint = types.Fingerprint(fp)
	rec.Snapshot.ResourceID = resourceID.String
	rec.Snapshot.NormalizedText = normText.String
	if lastSeen.Valid {
		rec.LastSeenAt = lastSeen.Time
	}
	if err := json.Unmarshal([]byte(ancestor), &rec.Snapshot.AncestorPath); err != nil {
		return nil, fmt.Errorf("malformed ancestor_path: %w", err)
	}
	if err := json.Unmarshal([]byte(bounds), &rec.Snapshot.Bounds); err != nil {
		return nil, fmt.Errorf("malformed bounds: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &rec.Snapshot.Capabilities); err != nil {
		return nil, fmt.Errorf("malformed capabilities: %w", err)
	}
	if state.Valid {
		if err := json.Unmarshal([]byte(state.String), &rec.Snapshot.CurrentState); err != nil {
			return nil, fmt.Errorf("malformed current_state: %w", err)
		}
	}
	return &rec, nil
}

func scanCommands(rows *sql.Rows) ([]types.GeneratedCommand, error) {
	var cmds []types.GeneratedCommand
	for rows.Next() {
		var (
			cmd      types.GeneratedCommand
			fp       string
			action   string
			syns     sql.NullString
			lastUsed sql.NullTime
		)
		err := rows.Scan(&cmd.CommandText, &fp, &action, &cmd.BaseConfidence,
			&cmd.CalibratedConfidence, &syns, &cmd.UsageCount, &cmd.SuccessCount, &lastUsed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmd.Fingerprint = types.Fingerprint(fp)
		cmd.ActionType = types.ActionType(action)
		if syns.Valid && syns.String != "" && syns.String != "null" {
			if err := json.Unmarshal([]byte(syns.String), &cmd.Synonyms); err != nil {
				return nil, fmt.Errorf("malformed synonyms: %w", err)
			}
		}
		if lastUsed.Valid {
			cmd.LastUsedAt = lastUsed.Time
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

type commandStats struct {
	usage    int
	success  int
	lastUsed time.Time
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func loadCommandStats(q querier, fp types.Fingerprint) (map[string]commandStats, error) {
	rows, err := q.Query(
		`SELECT command_text, usage_count, success_count, last_used_at FROM commands WHERE fingerprint = ?`,
		string(fp))
	if err != nil {
		return nil, fmt.Errorf("failed to load command stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]commandStats)
	for rows.Next() {
		var (
			text     string
			cs       commandStats
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&text, &cs.usage, &cs.success, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			cs.lastUsed = lastUsed.Time
		}
		stats[strings.ToLower(text)] = cs
	}
	return stats, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
