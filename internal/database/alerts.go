package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/internal/types"
)

// InsertAlert saves a new alert and returns its assigned id.
func InsertAlert(a types.Alert) (int64, error) {
	query := `
	INSERT INTO alerts (chat_id, kind, target_value, time_window_min, repeating)
	VALUES (?, ?, ?, ?, ?);`

	res, err := DB.Exec(query, a.ChatID, string(a.Kind), a.TargetValue, a.TimeWindowMin, boolToInt(a.Repeating))
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read alert id: %w", err)
	}

	log.Printf("Alert inserted: ID: %d, ChatID: %d, Kind: %s, Target: %f", id, a.ChatID, a.Kind, a.TargetValue)
	return id, nil
}

// ActiveAlertsByKind fetches all active alerts of the given kinds.
func ActiveAlertsByKind(kinds ...types.AlertKind) ([]types.Alert, error) {
	query := fmt.Sprintf(`
	SELECT id, chat_id, kind, target_value, time_window_min, repeating, active, last_triggered_at, created_at
	FROM alerts WHERE active = 1 AND kind IN (%s);`, placeholders(len(kinds)))

	rows, err := DB.Query(query, kindArgs(kinds)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ActiveAlertsForChat fetches all active alerts owned by a chat,
// optionally restricted to the given kinds.
func ActiveAlertsForChat(chatID int64, kinds ...types.AlertKind) ([]types.Alert, error) {
	query := `
	SELECT id, chat_id, kind, target_value, time_window_min, repeating, active, last_triggered_at, created_at
	FROM alerts WHERE active = 1 AND chat_id = ?`
	args := []interface{}{chatID}

	if len(kinds) > 0 {
		query += fmt.Sprintf(" AND kind IN (%s)", placeholders(len(kinds)))
		args = append(args, kindArgs(kinds)...)
	}

	rows, err := DB.Query(query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// MarkAlertTriggered records a successful delivery. One-shot alerts are
// deactivated at the same time; alerts are never deleted.
func MarkAlertTriggered(alertID int64, at time.Time, deactivate bool) error {
	query := `UPDATE alerts SET last_triggered_at = ?, active = ? WHERE id = ?;`
	active := 1
	if deactivate {
		active = 0
	}
	if _, err := DB.Exec(query, at.Unix(), active, alertID); err != nil {
		return fmt.Errorf("failed to mark alert %d triggered: %w", alertID, err)
	}
	return nil
}

// DeactivateAlert disables an alert owned by the given chat.
func DeactivateAlert(alertID, chatID int64) error {
	res, err := DB.Exec(`UPDATE alerts SET active = 0 WHERE id = ? AND chat_id = ?;`, alertID, chatID)
	if err != nil {
		return fmt.Errorf("failed to deactivate alert %d: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d not found for chat %d", alertID, chatID)
	}
	return nil
}

func scanAlerts(rows *sql.Rows) ([]types.Alert, error) {
	var alerts []types.Alert
	for rows.Next() {
		var (
			a                 types.Alert
			kind              string
			repeating, active int
			triggered         sql.NullInt64
			created           int64
		)
		if err := rows.Scan(&a.ID, &a.ChatID, &kind, &a.TargetValue, &a.TimeWindowMin, &repeating, &active, &triggered, &created); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		parsed, ok := types.ParseKind(kind)
		if !ok {
			log.Warnf("⚠️ Skipping alert with unknown kind %q", kind)
			continue
		}
		a.Kind = parsed
		a.Repeating = repeating != 0
		a.Active = active != 0
		a.CreatedAt = time.Unix(created, 0)
		if triggered.Valid {
			t := time.Unix(triggered.Int64, 0)
			a.LastTriggeredAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func kindArgs(kinds []types.AlertKind) []interface{} {
	args := make([]interface{}, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
