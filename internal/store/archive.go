package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

// Embedder produces retrieval embeddings for archived tool results.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from stored documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// maxEmbedChars bounds the text sent for embedding.
const maxEmbedChars = 8000

// ToolArchive keeps every resolved tool call for later retrieval.
type ToolArchive struct {
	db       *DB
	embedder Embedder
	now      func() time.Time
}

// NewToolArchive returns an archive over db. embedder may be nil, in which
// case search falls back to substring matching.
func NewToolArchive(db *DB, embedder Embedder) *ToolArchive {
	return &ToolArchive{db: db, embedder: embedder, now: time.Now}
}

// ArchivedCall is one search hit.
type ArchivedCall struct {
	SessionID  string
	Record     types.ToolCallRecord
	ArchivedAt time.Time
	// Distance is the cosine distance to the query, zero for substring hits.
	Distance float64
}

// Archive upserts rec under sessionID. Embedding failures are logged and the
// record is stored without a vector.
func (a *ToolArchive) Archive(ctx context.Context, sessionID string, rec types.ToolCallRecord) error {
	var blob []byte
	if a.embedder != nil {
		vec, err := a.embedder.Embed(ctx, embedText(rec))
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("embedding tool result %s failed: %v", rec.Call.ExecutionID, err)
		} else {
			blob = encodeVector(vec)
		}
	}
	args := string(rec.Call.Arguments)
	if args == "" {
		args = "{}"
	}
	_, err := a.db.db.ExecContext(ctx, `
		INSERT INTO tool_archive (execution_id, session_id, server_name, tool_name, arguments, status, response, embedding, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			embedding = COALESCE(excluded.embedding, tool_archive.embedding),
			archived_at = excluded.archived_at`,
		rec.Call.ExecutionID, sessionID, rec.Call.ServerName, rec.Call.ToolName, args,
		string(rec.Result.Status), rec.Result.Response, blob, a.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to archive tool call %s: %w", rec.Call.ExecutionID, err)
	}
	logging.StoreDebug("archived tool call %s (%s/%s, embedded=%t)", rec.Call.ExecutionID, rec.Call.ServerName, rec.Call.ToolName, blob != nil)
	return nil
}

// Search returns up to limit archived calls relevant to query.
func (a *ToolArchive) Search(ctx context.Context, query string, limit int) ([]ArchivedCall, error) {
	if limit <= 0 {
		limit = 10
	}
	if a.embedder != nil {
		embed := a.embedder.Embed
		if qe, ok := a.embedder.(QueryEmbedder); ok {
			embed = qe.EmbedQuery
		}
		vec, err := embed(ctx, query)
		if err == nil && len(vec) > 0 {
			return a.searchVector(ctx, vec, limit)
		}
		logging.Get(logging.CategoryStore).Warn("query embedding failed, using substring search: %v", err)
	}
	return a.searchText(ctx, query, limit)
}

const archiveColumns = `session_id, execution_id, server_name, tool_name, arguments, status, response, archived_at`

func (a *ToolArchive) searchText(ctx context.Context, query string, limit int) ([]ArchivedCall, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := a.db.db.QueryContext(ctx, `
		SELECT `+archiveColumns+`, embedding FROM tool_archive
		WHERE tool_name LIKE ? ESCAPE '\' OR arguments LIKE ? ESCAPE '\' OR response LIKE ? ESCAPE '\'
		ORDER BY archived_at DESC LIMIT ?`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("archive search failed: %w", err)
	}
	defer rows.Close()
	hits, _, err := scanArchive(rows)
	return hits, err
}

func (a *ToolArchive) searchVector(ctx context.Context, query []float32, limit int) ([]ArchivedCall, error) {
	blob := encodeVector(query)
	if fn := a.db.distanceFunc; fn != "" {
		rows, err := a.db.db.QueryContext(ctx, `
			SELECT `+archiveColumns+`, `+fn+`(embedding, ?) AS distance FROM tool_archive
			WHERE embedding IS NOT NULL AND length(embedding) = ?
			ORDER BY distance ASC LIMIT ?`, blob, len(blob), limit)
		if err != nil {
			return nil, fmt.Errorf("archive vector search failed: %w", err)
		}
		defer rows.Close()
		var out []ArchivedCall
		for rows.Next() {
			var hit ArchivedCall
			if err := scanHit(rows, &hit, &hit.Distance); err != nil {
				return nil, err
			}
			out = append(out, hit)
		}
		return out, rows.Err()
	}

	rows, err := a.db.db.QueryContext(ctx, `
		SELECT `+archiveColumns+`, embedding FROM tool_archive WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("archive vector search failed: %w", err)
	}
	defer rows.Close()
	hits, vectors, err := scanArchive(rows)
	if err != nil {
		return nil, err
	}
	ranked := hits[:0]
	for i, hit := range hits {
		d, err := cosineDistance(vectors[i], query)
		if err != nil {
			continue
		}
		hit.Distance = d
		ranked = append(ranked, hit)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Distance < ranked[j].Distance })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func scanArchive(rows *sql.Rows) ([]ArchivedCall, [][]float32, error) {
	var hits []ArchivedCall
	var vectors [][]float32
	for rows.Next() {
		var hit ArchivedCall
		var blob []byte
		if err := scanHit(rows, &hit, &blob); err != nil {
			return nil, nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, nil, err
		}
		hits = append(hits, hit)
		vectors = append(vectors, vec)
	}
	return hits, vectors, rows.Err()
}

func scanHit(rows *sql.Rows, hit *ArchivedCall, last any) error {
	var args, status string
	var archived int64
	call := &hit.Record.Call
	if err := rows.Scan(&hit.SessionID, &call.ExecutionID, &call.ServerName, &call.ToolName,
		&args, &status, &hit.Record.Result.Response, &archived, last); err != nil {
		return fmt.Errorf("failed to scan archive row: %w", err)
	}
	call.Arguments = []byte(args)
	call.Status = types.ToolCallStatus(status)
	call.Response = hit.Record.Result.Response
	hit.Record.Result.Status = call.Status
	hit.ArchivedAt = time.Unix(0, archived).UTC()
	return nil
}

func embedText(rec types.ToolCallRecord) string {
	text := fmt.Sprintf("%s %s %s", rec.Call.ToolName, rec.Call.Arguments, rec.Result.Response)
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}
	return text
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
