package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/facematch"
	"github.com/kozaktomas/face-linker/internal/identity"
)

const personColumns = `id, label, members, video_ids, embedding, exemplar_id, total_videos,
	total_appearances, first_seen, last_seen, name, notes`

// PersonRepository provides PostgreSQL-backed storage for person clusters.
type PersonRepository struct {
	pool  *Pool
	faces *FaceRepository // keeps cached person links of indexed faces in sync
}

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool, faces *FaceRepository) *PersonRepository {
	return &PersonRepository{pool: pool, faces: faces}
}

// GetPerson retrieves a person by ID, returns nil if not found.
func (r *PersonRepository) GetPerson(ctx context.Context, id string) (*identity.PersonIdentity, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+personColumns+" FROM person_clusters WHERE id = $1", id)
	p, err := scanPersonRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPersons returns all persons ordered by label.
func (r *PersonRepository) ListPersons(ctx context.Context) ([]identity.PersonIdentity, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+personColumns+" FROM person_clusters ORDER BY label")
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	return scanPersons(rows)
}

// FindPersonsByName returns persons whose normalised name equals the normalised query.
// Names are normalized in Go on write, so the lookup is a plain equality.
func (r *PersonRepository) FindPersonsByName(ctx context.Context, name string) ([]identity.PersonIdentity, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+personColumns+" FROM person_clusters WHERE name_normalized = $1 AND name <> '' ORDER BY label",
		facematch.NormalizePersonName(name))
	if err != nil {
		return nil, fmt.Errorf("query persons by name: %w", err)
	}
	defer rows.Close()

	return scanPersons(rows)
}

// ApplyClusterResult persists a person-cluster build atomically.
func (r *PersonRepository) ApplyClusterResult(ctx context.Context, result *identity.ClusterResult) error {
	if result == nil {
		return errors.New("nil cluster result")
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if len(result.Discarded) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM person_clusters WHERE id = ANY($1)", pq.Array(result.Discarded)); err != nil {
			return fmt.Errorf("delete discarded persons: %w", err)
		}
	}

	for _, p := range result.Persons() {
		if err := upsertPerson(ctx, tx, p); err != nil {
			return err
		}
	}

	assignments := result.Assignments()
	byPerson := make(map[string][]string)
	for faceID, personID := range assignments {
		byPerson[personID] = append(byPerson[personID], faceID)
	}
	for personID, faceIDs := range byPerson {
		_, err := tx.ExecContext(ctx,
			"UPDATE video_faces SET person_id = $2 WHERE id = ANY($1)",
			pq.Array(faceIDs), sql.NullString{String: personID, Valid: personID != ""})
		if err != nil {
			return fmt.Errorf("link faces to person %q: %w", personID, err)
		}
	}

	if err := markClusterEdges(ctx, tx, result.Edges); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.faces.updateHNSWPersons(assignments)
	return nil
}

// upsertPerson inserts or replaces a person. A name already assigned in the
// database is kept when the incoming record carries none.
func upsertPerson(ctx context.Context, tx *sql.Tx, p identity.PersonIdentity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO person_clusters (id, label, members, video_ids, embedding, exemplar_id, total_videos,
		                             total_appearances, first_seen, last_seen, name, name_normalized, notes)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			members = EXCLUDED.members,
			video_ids = EXCLUDED.video_ids,
			embedding = EXCLUDED.embedding,
			exemplar_id = EXCLUDED.exemplar_id,
			total_videos = EXCLUDED.total_videos,
			total_appearances = EXCLUDED.total_appearances,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			name = COALESCE(NULLIF(EXCLUDED.name, ''), person_clusters.name),
			name_normalized = COALESCE(NULLIF(EXCLUDED.name_normalized, ''), person_clusters.name_normalized),
			notes = COALESCE(NULLIF(EXCLUDED.notes, ''), person_clusters.notes),
			updated_at = NOW()
	`,
		p.ID,
		p.Label,
		pq.Array(p.Members),
		pq.Array(p.VideoIDs),
		pgvector.NewVector(p.Embedding),
		p.ExemplarID,
		p.TotalVideos,
		p.TotalAppearances,
		nullTime(p.FirstSeen),
		nullTime(p.LastSeen),
		p.Name,
		facematch.NormalizePersonName(p.Name),
		p.Notes,
	)
	if err != nil {
		return fmt.Errorf("upsert person %s: %w", p.Label, err)
	}
	return nil
}

// UpdatePersonName sets the human-assigned name and notes of a person.
func (r *PersonRepository) UpdatePersonName(ctx context.Context, id, name, notes string) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE person_clusters SET name = $2, name_normalized = $3, notes = $4, updated_at = NOW()
		WHERE id = $1
	`, id, name, facematch.NormalizePersonName(name), notes)
	if err != nil {
		return fmt.Errorf("update person name: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	return nil
}

func scanPersonRow(scanner interface{ Scan(...any) error }) (identity.PersonIdentity, error) {
	var p identity.PersonIdentity
	var members, videoIDs pq.StringArray
	var vec pgvector.Vector
	var firstSeen, lastSeen sql.NullTime

	err := scanner.Scan(&p.ID, &p.Label, &members, &videoIDs, &vec, &p.ExemplarID, &p.TotalVideos,
		&p.TotalAppearances, &firstSeen, &lastSeen, &p.Name, &p.Notes)
	if err != nil {
		return p, fmt.Errorf("scan person: %w", err)
	}
	p.Members = []string(members)
	p.VideoIDs = []string(videoIDs)
	p.Embedding = vec.Slice()
	p.FirstSeen = fromNullTime(firstSeen)
	p.LastSeen = fromNullTime(lastSeen)
	return p, nil
}

func scanPersons(rows *sql.Rows) ([]identity.PersonIdentity, error) {
	var persons []identity.PersonIdentity
	for rows.Next() {
		p, err := scanPersonRow(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}
