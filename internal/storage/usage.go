package storage

import "fmt"

func (s *Store) LogUsage(u UsageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO api_usage_log (id, session_id, api_id, query, status, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.APIID, u.Query, u.Status, u.LatencyMS, u.Error, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("logging usage: %w", err)
	}
	return nil
}

// UsageStats aggregates the usage log. Success rate is the percentage of API
// calls that completed without error, cached replies included.
func (s *Store) UsageStats(top int) (UsageStats, error) {
	var st UsageStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&st.TotalMessages); err != nil {
		return UsageStats{}, fmt.Errorf("counting messages: %w", err)
	}

	var ok int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status != 'error' THEN 1 ELSE 0 END), 0)
		FROM api_usage_log WHERE api_id != ''`,
	).Scan(&st.TotalAPICalls, &ok)
	if err != nil {
		return UsageStats{}, fmt.Errorf("counting api calls: %w", err)
	}
	if st.TotalAPICalls > 0 {
		st.SuccessRate = float64(ok) / float64(st.TotalAPICalls) * 100
	}

	rows, err := s.db.Query(`
		SELECT api_id, COUNT(*) AS n FROM api_usage_log WHERE api_id != ''
		GROUP BY api_id ORDER BY n DESC, api_id ASC LIMIT ?`, top,
	)
	if err != nil {
		return UsageStats{}, fmt.Errorf("ranking apis: %w", err)
	}
	defer rows.Close()

	st.PopularAPIs = []APICount{}
	for rows.Next() {
		var c APICount
		if err := rows.Scan(&c.APIID, &c.Count); err != nil {
			return UsageStats{}, err
		}
		st.PopularAPIs = append(st.PopularAPIs, c)
	}
	return st, rows.Err()
}
