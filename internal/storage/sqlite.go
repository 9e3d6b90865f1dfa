package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/guiderec/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private in-memory database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	inMemory := dbPath == ":memory:"
	if !inMemory {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS guides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT,
		like_count INTEGER NOT NULL DEFAULT 0,
		author_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_guides_popularity ON guides(like_count DESC, id);
	CREATE INDEX IF NOT EXISTS idx_guides_author ON guides(author_id);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS guide_tags (
		guide_id INTEGER NOT NULL REFERENCES guides(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (guide_id, tag_id)
	);

	CREATE INDEX IF NOT EXISTS idx_guide_tags_tag ON guide_tags(tag_id);

	CREATE TABLE IF NOT EXISTS guide_likes (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		guide_id INTEGER NOT NULL REFERENCES guides(id) ON DELETE CASCADE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, guide_id)
	);

	CREATE INDEX IF NOT EXISTS idx_guide_likes_guide ON guide_likes(guide_id);
	`
	_, err := db.Exec(schema)
	return err
}

const guideColumns = `g.id, g.title, g.description, g.like_count, g.author_id, g.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuide(r rowScanner) (*models.Guide, error) {
	var g models.Guide
	var desc sql.NullString
	var author sql.NullInt64
	if err := r.Scan(&g.ID, &g.Title, &desc, &g.LikeCount, &author, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Description = desc.String
	g.AuthorID = author.Int64
	return &g, nil
}

// inIDs is the right-hand side of an IN test against a single idArray argument. One bound
// JSON array keeps id lists of any length under SQLite's host parameter limit.
const inIDs = `(SELECT value FROM json_each(?))`

// idArray encodes ids as a JSON array for inIDs.
func idArray(ids []int64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// queryGuides runs a guide query, closes the rows, then attaches tags.
func (s *SQLiteStorage) queryGuides(ctx context.Context, query string, args ...any) ([]*models.Guide, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var guides []*models.Guide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		guides = append(guides, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadTags(ctx, guides); err != nil {
		return nil, err
	}
	return guides, nil
}

func (s *SQLiteStorage) loadTags(ctx context.Context, guides []*models.Guide) error {
	if len(guides) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Guide, len(guides))
	ids := make([]int64, 0, len(guides))
	for _, g := range guides {
		g.Tags = []models.Tag{}
		byID[g.ID] = g
		ids = append(ids, g.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT gt.guide_id, t.id, t.name
		 FROM guide_tags gt JOIN tags t ON t.id = gt.tag_id
		 WHERE gt.guide_id IN `+inIDs+`
		 ORDER BY gt.guide_id, t.id`,
		idArray(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var guideID int64
		var tag models.Tag
		if err := rows.Scan(&guideID, &tag.ID, &tag.Name); err != nil {
			return err
		}
		if g := byID[guideID]; g != nil {
			g.Tags = append(g.Tags, tag)
		}
	}
	return rows.Err()
}

func (s *SQLiteStorage) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// exclusionClause returns " AND <column> NOT IN (...)" and its args, or "" when exclude is empty.
func exclusionClause(column string, exclude models.IDSet) (string, []any) {
	if len(exclude) == 0 {
		return "", nil
	}
	return " AND " + column + " NOT IN " + inIDs, []any{idArray(exclude.Sorted())}
}

// FetchLikedGuides returns every guide userID has liked.
func (s *SQLiteStorage) FetchLikedGuides(ctx context.Context, userID int64) ([]*models.Guide, error) {
	return s.queryGuides(ctx,
		`SELECT `+guideColumns+`
		 FROM guides g JOIN guide_likes l ON l.guide_id = g.id
		 WHERE l.user_id = ? ORDER BY g.id`, userID)
}

// FetchLikedGuideIDs returns the ids of guides userID has liked.
func (s *SQLiteStorage) FetchLikedGuideIDs(ctx context.Context, userID int64) (models.IDSet, error) {
	ids, err := s.queryIDs(ctx, `SELECT guide_id FROM guide_likes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	return models.NewIDSet(ids...), nil
}

// FetchAuthoredGuideIDs returns the ids of guides authored by userID.
func (s *SQLiteStorage) FetchAuthoredGuideIDs(ctx context.Context, userID int64) (models.IDSet, error) {
	ids, err := s.queryIDs(ctx, `SELECT id FROM guides WHERE author_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	return models.NewIDSet(ids...), nil
}

// FetchGuidesByIDs returns the guides for ids in the given order, skipping ids that do not exist.
func (s *SQLiteStorage) FetchGuidesByIDs(ctx context.Context, ids []int64) ([]*models.Guide, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.queryGuides(ctx,
		`SELECT `+guideColumns+` FROM guides g WHERE g.id IN `+inIDs,
		idArray(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.Guide, len(found))
	for _, g := range found {
		byID[g.ID] = g
	}
	out := make([]*models.Guide, 0, len(found))
	seen := make(models.IDSet, len(found))
	for _, id := range ids {
		if g, ok := byID[id]; ok && !seen.Has(id) {
			seen.Add(id)
			out = append(out, g)
		}
	}
	return out, nil
}

// FetchPopularGuides returns up to limit guide ids ordered by like_count then id.
func (s *SQLiteStorage) FetchPopularGuides(ctx context.Context, limit int, exclude models.IDSet) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	clause, args := exclusionClause("id", exclude)
	args = append(args, limit)
	return s.queryIDs(ctx,
		`SELECT id FROM guides WHERE 1 = 1`+clause+` ORDER BY like_count DESC, id ASC LIMIT ?`,
		args...)
}

// FetchGuidesByTags returns up to limit guide ids that carry any of tagIDs.
func (s *SQLiteStorage) FetchGuidesByTags(ctx context.Context, tagIDs []int64, exclude models.IDSet, limit int) ([]int64, error) {
	if limit <= 0 || len(tagIDs) == 0 {
		return nil, nil
	}
	clause, exArgs := exclusionClause("guide_id", exclude)
	args := append([]any{idArray(tagIDs)}, exArgs...)
	args = append(args, limit)
	return s.queryIDs(ctx,
		`SELECT guide_id FROM guide_tags
		 WHERE tag_id IN `+inIDs+clause+`
		 GROUP BY guide_id
		 ORDER BY COUNT(*) DESC, guide_id ASC
		 LIMIT ?`,
		args...)
}

// FetchAllGuidesPaginated returns a page of guides ordered by id.
func (s *SQLiteStorage) FetchAllGuidesPaginated(ctx context.Context, offset, batchSize int) ([]*models.Guide, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	return s.queryGuides(ctx,
		`SELECT `+guideColumns+` FROM guides g ORDER BY g.id LIMIT ? OFFSET ?`,
		batchSize, offset)
}

// GetGuide returns a guide with its tags, or ErrNotFound.
func (s *SQLiteStorage) GetGuide(ctx context.Context, id int64) (*models.Guide, error) {
	guides, err := s.queryGuides(ctx, `SELECT `+guideColumns+` FROM guides g WHERE g.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(guides) == 0 {
		return nil, fmt.Errorf("guide %d: %w", id, ErrNotFound)
	}
	return guides[0], nil
}

// FetchTagsByIDs returns the existing tags among ids ordered by id.
func (s *SQLiteStorage) FetchTagsByIDs(ctx context.Context, ids []int64) ([]models.Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM tags WHERE id IN `+inIDs+` ORDER BY id`,
		idArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// CreateUser inserts a user.
func (s *SQLiteStorage) CreateUser(ctx context.Context, name string) (*models.User, error) {
	u := &models.User{Name: name, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (name, created_at) VALUES (?, ?)`, u.Name, u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns a user by id, or ErrNotFound.
func (s *SQLiteStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func validateInput(in *models.GuideInput) error {
	if in == nil || strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: guide title is required", ErrInvalidInput)
	}
	return nil
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// setTags replaces the tag links of guideID, creating tags by normalized name as needed.
func setTags(ctx context.Context, tx *sql.Tx, guideID int64, names []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM guide_tags WHERE guide_id = ?`, guideID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := models.NormalizeTagName(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("failed to create tag %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO guide_tags (guide_id, tag_id) SELECT ?, id FROM tags WHERE name = ?`,
			guideID, name); err != nil {
			return fmt.Errorf("failed to link tag %q: %w", name, err)
		}
	}
	return nil
}

// CreateGuide inserts a guide and its tags.
func (s *SQLiteStorage) CreateGuide(ctx context.Context, in *models.GuideInput) (*models.Guide, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO guides (title, description, author_id, created_at) VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(in.Title), in.Description, nullableID(in.AuthorID), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert guide: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := setTags(ctx, tx, id, in.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetGuide(ctx, id)
}

// UpdateGuide replaces title, description and tags of an existing guide.
func (s *SQLiteStorage) UpdateGuide(ctx context.Context, id int64, in *models.GuideInput) (*models.Guide, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE guides SET title = ?, description = ? WHERE id = ?`,
		strings.TrimSpace(in.Title), in.Description, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("guide %d: %w", id, ErrNotFound)
	}
	if err := setTags(ctx, tx, id, in.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetGuide(ctx, id)
}

// DeleteGuide removes a guide; its tag links and likes cascade.
func (s *SQLiteStorage) DeleteGuide(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guides WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("guide %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) exists(ctx context.Context, tx *sql.Tx, table string, id int64) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// changeLike inserts or deletes a like edge and adjusts like_count by delta when the edge changed.
func (s *SQLiteStorage) changeLike(ctx context.Context, userID, guideID int64, like bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range []struct {
		table string
		id    int64
	}{{"users", userID}, {"guides", guideID}} {
		ok, err := s.exists(ctx, tx, c.table, c.id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %d: %w", strings.TrimSuffix(c.table, "s"), c.id, ErrNotFound)
		}
	}

	stmt, delta := `INSERT OR IGNORE INTO guide_likes (user_id, guide_id, created_at) VALUES (?, ?, ?)`, 1
	args := []any{userID, guideID, time.Now().UTC()}
	if !like {
		stmt, delta = `DELETE FROM guide_likes WHERE user_id = ? AND guide_id = ?`, -1
		args = args[:2]
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE guides SET like_count = MAX(like_count + ?, 0) WHERE id = ?`, delta, guideID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LikeGuide records that userID likes guideID. Liking twice is a no-op.
func (s *SQLiteStorage) LikeGuide(ctx context.Context, userID, guideID int64) error {
	return s.changeLike(ctx, userID, guideID, true)
}

// UnlikeGuide removes the like edge if present.
func (s *SQLiteStorage) UnlikeGuide(ctx context.Context, userID, guideID int64) error {
	return s.changeLike(ctx, userID, guideID, false)
}

// CountGuides returns the total number of guides.
func (s *SQLiteStorage) CountGuides(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guides`).Scan(&count)
	return count, err
}

// CountUsers returns the total number of users.
func (s *SQLiteStorage) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
