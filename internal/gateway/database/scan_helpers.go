package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"perpdesk/internal/alarm"
	"perpdesk/internal/history"
)

func scanCycle(rows *sql.Rows) (history.DecisionCycle, error) {
	var (
		row     int64
		payload string
		c       history.DecisionCycle
	)
	if err := rows.Scan(&row, &payload); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode cycle row %d: %w", row, err)
	}
	c.Row = row
	return c, nil
}

func scanAlarm(rows *sql.Rows) (alarm.Event, error) {
	var (
		ev      alarm.Event
		cycleID sql.NullString
		symbol  sql.NullString
		ts      int64
	)
	if err := rows.Scan(&ev.Category, &ev.Message, &cycleID, &symbol, &ts, &ev.Count); err != nil {
		return ev, err
	}
	ev.CycleID = cycleID.String
	ev.Symbol = symbol.String
	ev.Timestamp = time.UnixMilli(ts).UTC()
	return ev, nil
}
