package postgres

import (
	"github.com/kozaktomas/face-linker/internal/database"
)

// Store bundles the PostgreSQL repositories behind database.Store.
type Store struct {
	videos  *VideoRepository
	faces   *FaceRepository
	matches *MatchRepository
	persons *PersonRepository
	runs    *RunRepository
}

// NewStore creates every repository over one pool. Video and person writes
// share the face repository so its in-memory index stays current.
func NewStore(pool *Pool) *Store {
	faces := NewFaceRepository(pool)
	return &Store{
		videos:  NewVideoRepository(pool, faces),
		faces:   faces,
		matches: NewMatchRepository(pool),
		persons: NewPersonRepository(pool, faces),
		runs:    NewRunRepository(pool),
	}
}

func (s *Store) Videos() database.VideoWriter { return s.videos }
func (s *Store) Faces() database.FaceReader { return s.faces }
func (s *Store) Matches() database.MatchWriter { return s.matches }
func (s *Store) Persons() database.PersonWriter { return s.persons }
func (s *Store) Runs() database.RunWriter { return s.runs }

// FaceRepository exposes the concrete face repository for HNSW management.
func (s *Store) FaceRepository() *FaceRepository {
	return s.faces
}

// Register makes the store the active database backend.
func (s *Store) Register() {
	database.RegisterPostgresBackend(func() database.Store { return s })
	database.RegisterFaceHNSWRebuilder(s.faces)
}
