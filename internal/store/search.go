package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/chatvault/internal/metrics"
	"go.uber.org/zap"
)

// ftsDDL recreates the index table if it went missing. It matches the
// definition in migration 000002.
const ftsDDL = `
	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		id UNINDEXED,
		channel_id UNINDEXED,
		sender_name,
		content,
		tokenize = 'unicode61 remove_diacritics 2'
	)`

// ftsSpecial strips characters that carry meaning in FTS5 query syntax.
var ftsSpecial = strings.NewReplacer(`"`, "", "(", "", ")", "", "*", "", ":", "", "-", "", "^", "")

// Search is the primary search entry point. It tries ranked full-text search
// and falls back to a substring scan over content if the index fails for any
// reason, or if the query is made only of FTS operators. It never returns an
// error; a failed fallback yields no results.
func (db *DB) Search(ctx context.Context, query, channelID string, limit int) []SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	if MatchExpression(query) == "" {
		// Nothing left for the index after stripping operators.
		results, err := db.SearchLegacy(ctx, query, channelID, limit)
		if err != nil {
			db.logger.Error("substring search failed", zap.Error(err))
			return nil
		}
		return results
	}
	return db.withFallback(
		func() ([]SearchResult, error) { return db.SearchFTS(ctx, query, channelID, limit) },
		func() ([]SearchResult, error) { return db.SearchLegacy(ctx, query, channelID, limit) },
	)
}

func (db *DB) withFallback(ranked, substring func() ([]SearchResult, error)) []SearchResult {
	results, err := ranked()
	if err == nil {
		return results
	}
	metrics.SearchFallbacks.Inc()
	db.logger.Warn("ranked search failed, using substring search", zap.Error(err))

	results, err = substring()
	if err != nil {
		db.logger.Error("substring search failed", zap.Error(err))
		return nil
	}
	return results
}

// SearchFTS runs a ranked full-text query. Whitespace-separated tokens are
// stripped of FTS operators and ANDed together; a query containing a double
// quote is passed through unchanged as a phrase query. Results are ordered by
// bm25 relevance, then by sent_at descending.
func (db *DB) SearchFTS(ctx context.Context, query, channelID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	match := MatchExpression(query)
	if match == "" {
		return nil, nil
	}
	return db.queryFTS(ctx, match, channelID, limit, "bm25(messages_fts), m.sent_at DESC")
}

// SearchPrefix is intended for autocomplete. Prefixes shorter than two
// characters return nothing.
func (db *DB) SearchPrefix(ctx context.Context, prefix, channelID string, limit int) ([]SearchResult, error) {
	prefix = strings.TrimSpace(prefix)
	if utf8.RuneCountInString(prefix) < 2 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	terms := prefixTerms(prefix)
	if len(terms) == 0 {
		return nil, nil
	}
	return db.queryFTS(ctx, strings.Join(terms, " AND "), channelID, limit, "m.sent_at DESC")
}

// SearchBySender prefix-matches the sender name only.
func (db *DB) SearchBySender(ctx context.Context, senderName string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	terms := prefixTerms(senderName)
	if len(terms) == 0 {
		return nil, nil
	}
	match := "sender_name : (" + strings.Join(terms, " AND ") + ")"
	return db.queryFTS(ctx, match, "", limit, "m.sent_at DESC")
}

func (db *DB) queryFTS(ctx context.Context, match, channelID string, limit int, orderBy string) ([]SearchResult, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	q := `
		SELECT ` + qualifiedColumns("m") + `,
		       snippet(messages_fts, 3, '<<', '>>', '...', 32),
		       bm25(messages_fts)
		FROM messages_fts f
		JOIN messages m ON m.seq = f.rowid
		WHERE messages_fts MATCH ?`
	args := []any{match}
	if channelID != "" {
		q += " AND m.channel_id = ?"
		args = append(args, channelID)
	}
	q += " ORDER BY " + orderBy + " LIMIT ?"
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m, err := scanMessage(rows, &r.Snippet, &r.Rank)
		if err != nil {
			return nil, fmt.Errorf("fts scan: %w", err)
		}
		r.Message = *m
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	return results, nil
}

// SearchLegacy is the substring fallback: a LIKE scan over non-deleted
// message content ordered by sent_at descending.
func (db *DB) SearchLegacy(ctx context.Context, query, channelID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE is_deleted = 0 AND content LIKE ? ESCAPE '\'`
	args := []any{"%" + likeEscape(query) + "%"}
	if channelID != "" {
		q += " AND channel_id = ?"
		args = append(args, channelID)
	}
	q += " ORDER BY sent_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("like query: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("like query: %w", err)
	}
	results := make([]SearchResult, len(msgs))
	for i, m := range msgs {
		results[i] = SearchResult{Message: m}
	}
	return results, nil
}

// OptimizeSearchIndex merges the FTS5 b-trees. Advisory.
func (db *DB) OptimizeSearchIndex(ctx context.Context) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO messages_fts(messages_fts) VALUES('optimize')`); err != nil {
		return fmt.Errorf("optimize fts: %w", err)
	}
	return nil
}

// RebuildSearchIndex clears the index and repopulates it from every
// non-deleted message. It returns the number of rows indexed.
func (db *DB) RebuildSearchIndex(ctx context.Context) (int64, error) {
	var indexed int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ftsDDL); err != nil {
			return fmt.Errorf("ensure fts table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts`); err != nil {
			return fmt.Errorf("clear fts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages_fts(rowid, id, channel_id, sender_name, content)
			SELECT seq, id, channel_id, sender_name, content FROM messages WHERE is_deleted = 0`)
		if err != nil {
			return fmt.Errorf("populate fts: %w", err)
		}
		indexed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return indexed, nil
}

// MatchExpression converts free text into an FTS5 MATCH expression.
func MatchExpression(query string) string {
	query = strings.TrimSpace(query)
	if strings.Contains(query, `"`) {
		return query
	}
	var terms []string
	for _, tok := range strings.Fields(query) {
		if t := ftsSpecial.Replace(tok); t != "" {
			terms = append(terms, `"`+t+`"`)
		}
	}
	return strings.Join(terms, " AND ")
}

func prefixTerms(s string) []string {
	var terms []string
	for _, tok := range strings.Fields(s) {
		if t := ftsSpecial.Replace(tok); t != "" {
			terms = append(terms, `"`+t+`"*`)
		}
	}
	return terms
}

func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
