package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/face-linker/internal/identity"
)

// MatchRepository provides PostgreSQL-backed storage for cross-video match edges.
type MatchRepository struct {
	pool *Pool
}

// NewMatchRepository creates a new PostgreSQL match repository.
func NewMatchRepository(pool *Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// GetMatches returns edges touching any of the given faces, or every edge when faceIDs is empty.
func (r *MatchRepository) GetMatches(ctx context.Context, faceIDs []string) ([]identity.MatchEdge, error) {
	const cols = `SELECT source_id, target_id, source_video, target_video, similarity, in_same_cluster FROM match_edges`

	var (
		rows *sql.Rows
		err  error
	)
	if len(faceIDs) == 0 {
		rows, err = r.pool.Query(ctx, cols+" ORDER BY source_id, target_id")
	} else {
		rows, err = r.pool.Query(ctx,
			cols+" WHERE source_id = ANY($1) OR target_id = ANY($1) ORDER BY source_id, target_id",
			pq.Array(faceIDs))
	}
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var edges []identity.MatchEdge
	for rows.Next() {
		var e identity.MatchEdge
		if err := rows.Scan(&e.Source, &e.Target, &e.SourceVideo, &e.TargetVideo, &e.Similarity, &e.InSameCluster); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return edges, nil
}

// CountMatches returns the total number of stored edges.
func (r *MatchRepository) CountMatches(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM match_edges").Scan(&count); err != nil {
		return 0, fmt.Errorf("count matches: %w", err)
	}
	return count, nil
}

// ReplaceMatches supersedes every stored edge touching a face in scope with edges.
func (r *MatchRepository) ReplaceMatches(ctx context.Context, scope []string, edges []identity.MatchEdge) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if len(scope) > 0 {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM match_edges WHERE source_id = ANY($1) OR target_id = ANY($1)", pq.Array(scope))
		if err != nil {
			return fmt.Errorf("delete superseded matches: %w", err)
		}
	}

	if len(edges) > 0 {
		n := len(edges)
		sources := make([]string, n)
		targets := make([]string, n)
		sourceVideos := make([]string, n)
		targetVideos := make([]string, n)
		sims := make([]float64, n)
		flags := make([]bool, n)
		for i, e := range edges {
			sources[i], targets[i] = e.Source, e.Target
			sourceVideos[i], targetVideos[i] = e.SourceVideo, e.TargetVideo
			sims[i], flags[i] = e.Similarity, e.InSameCluster
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO match_edges (source_id, target_id, source_video, target_video, similarity, in_same_cluster)
			SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::float8[], $6::bool[])
			ON CONFLICT (source_id, target_id) DO UPDATE SET
				similarity = EXCLUDED.similarity,
				in_same_cluster = EXCLUDED.in_same_cluster
		`,
			pq.Array(sources), pq.Array(targets), pq.Array(sourceVideos), pq.Array(targetVideos),
			pq.Array(sims), pq.Array(flags))
		if err != nil {
			return fmt.Errorf("insert matches: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// markClusterEdges updates the in_same_cluster flag of stored edges.
func markClusterEdges(ctx context.Context, tx *sql.Tx, edges []identity.MatchEdge) error {
	if len(edges) == 0 {
		return nil
	}
	sources := make([]string, len(edges))
	targets := make([]string, len(edges))
	flags := make([]bool, len(edges))
	for i, e := range edges {
		sources[i], targets[i], flags[i] = e.Source, e.Target, e.InSameCluster
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE match_edges m SET in_same_cluster = u.flag
		FROM unnest($1::text[], $2::text[], $3::bool[]) AS u(source_id, target_id, flag)
		WHERE m.source_id = u.source_id AND m.target_id = u.target_id
	`, pq.Array(sources), pq.Array(targets), pq.Array(flags))
	if err != nil {
		return fmt.Errorf("mark cluster edges: %w", err)
	}
	return nil
}
