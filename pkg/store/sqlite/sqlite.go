package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db          *sql.DB
	subscribers map[chan string]struct{}
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
// Transactions begin IMMEDIATE so concurrent appends queue on the busy
// timeout instead of failing on lock upgrade.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, subscribers: make(map[chan string]struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		vendor TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		models TEXT NOT NULL DEFAULT '[]',
		defaults TEXT NOT NULL DEFAULT '{}',
		rate_limits TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		system_prompt TEXT NOT NULL,
		memory_enabled INTEGER NOT NULL DEFAULT 0,
		session_limit INTEGER NOT NULL DEFAULT 50,
		tool_access TEXT NOT NULL DEFAULT '[]',
		category_tags TEXT NOT NULL DEFAULT '[]',
		visibility TEXT NOT NULL DEFAULT 'private',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (provider_id) REFERENCES providers(id)
	);
	CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		cover_image TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS conversation_agents (
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, agent_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// mapError translates constraint violations into domain errors.
func mapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return domain.Wrap(domain.KindConflict, err, format+" already exists", args...)
		case sqlite3.ErrConstraintForeignKey:
			return domain.Wrap(domain.KindNotFound, err, format+" references a missing record", args...)
		}
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

// --- ProviderStore ---

const providerColumns = `id, name, vendor, base_url, api_key, organization_id, models, defaults, rate_limits, active, created_at, updated_at`

func providerArgs(p *domain.Provider) ([]any, error) {
	models, err := domain.EncodeModels(p.Models)
	if err != nil {
		return nil, err
	}
	defaults, err := domain.EncodeParams(p.Defaults)
	if err != nil {
		return nil, err
	}
	limits, err := domain.EncodeRateLimits(p.RateLimits)
	if err != nil {
		return nil, err
	}
	return []any{p.Name, string(p.Vendor), p.BaseURL, p.APIKey, p.OrganizationID,
		models, defaults, limits, boolInt(p.Active)}, nil
}

func scanProvider(row scanner) (*domain.Provider, error) {
	var (
		p                        domain.Provider
		vendor                   string
		models, defaults, limits string
		active                   int
	)
	if err := row.Scan(&p.ID, &p.Name, &vendor, &p.BaseURL, &p.APIKey, &p.OrganizationID,
		&models, &defaults, &limits, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Vendor = domain.Vendor(vendor)
	p.Active = active != 0

	var err error
	if p.Models, err = domain.DecodeModels(models); err != nil {
		return nil, err
	}
	if p.Defaults, err = domain.DecodeParams(defaults); err != nil {
		return nil, err
	}
	if p.RateLimits, err = domain.DecodeRateLimits(limits); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProvider(ctx context.Context, p *domain.Provider) error {
	args, err := providerArgs(p)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	args = append([]any{p.ID}, args...)
	args = append(args, p.CreatedAt, p.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (`+providerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return mapError(err, "provider %q", p.Name)
}

func (s *Store) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("provider not found: %s", id)
	}
	return p, err
}

func (s *Store) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

func (s *Store) UpdateProvider(ctx context.Context, p *domain.Provider) error {
	args, err := providerArgs(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	args = append(args, p.UpdatedAt, p.ID)
	result, err := s.db.ExecContext(ctx,
		`UPDATE providers SET name=?, vendor=?, base_url=?, api_key=?, organization_id=?, models=?, defaults=?, rate_limits=?, active=?, updated_at=?
		 WHERE id=?`,
		args...,
	)
	if err != nil {
		return mapError(err, "provider %q", p.Name)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NotFoundf("provider not found: %s", p.ID)
	}
	return nil
}

// --- AgentStore ---

const agentColumns = `id, user_id, name, description, avatar, provider_id, model_id, params, system_prompt, memory_enabled, session_limit, tool_access, category_tags, visibility, created_at, updated_at`

func agentArgs(a *domain.Agent) ([]any, error) {
	params, err := domain.EncodeParams(a.Params)
	if err != nil {
		return nil, err
	}
	tools, err := domain.EncodeTags(a.ToolAccess)
	if err != nil {
		return nil, err
	}
	tags, err := domain.EncodeTags(a.CategoryTags)
	if err != nil {
		return nil, err
	}
	return []any{a.UserID, a.Name, a.Description, a.Avatar, a.ProviderID, a.ModelID,
		params, a.SystemPrompt, boolInt(a.MemoryEnabled), a.SessionLimit, tools, tags,
		string(a.Visibility)}, nil
}

func scanAgent(row scanner) (*domain.Agent, error) {
	var (
		a                   domain.Agent
		params, tools, tags string
		memory              int
		visibility          string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.Avatar, &a.ProviderID, &a.ModelID,
		&params, &a.SystemPrompt, &memory, &a.SessionLimit, &tools, &tags, &visibility,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.MemoryEnabled = memory != 0
	a.Visibility = domain.Visibility(visibility)

	var err error
	if a.Params, err = domain.DecodeParams(params); err != nil {
		return nil, err
	}
	if a.ToolAccess, err = domain.DecodeTags(tools); err != nil {
		return nil, err
	}
	if a.CategoryTags, err = domain.DecodeTags(tags); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	args = append([]any{a.ID}, args...)
	args = append(args, a.CreatedAt, a.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return mapError(err, "agent %s", a.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("agent not found: %s", id)
	}
	return a, err
}

func (s *Store) ListAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ? OR visibility = ?`
		args = append(args, userID, string(domain.VisibilityPublic))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	// user_id is immutable; drop it from the argument list.
	args = append(args[1:], a.UpdatedAt, a.ID)
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, description=?, avatar=?, provider_id=?, model_id=?, params=?, system_prompt=?,
		 memory_enabled=?, session_limit=?, tool_access=?, category_tags=?, visibility=?, updated_at=?
		 WHERE id=?`,
		args...,
	)
	if err != nil {
		return mapError(err, "agent %s", a.ID)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NotFoundf("agent not found: %s", a.ID)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NotFoundf("agent not found: %s", id)
	}
	return nil
}

// --- ConversationStore ---

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, name, user_id, cover_image, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.UserID, c.CoverImage, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return mapError(err, "conversation %s", c.ID)
	}
	for i, agentID := range c.AgentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_agents (conversation_id, agent_id, position) VALUES (?, ?, ?)`,
			c.ID, agentID, i,
		); err != nil {
			return mapError(err, "participant %s", agentID)
		}
	}
	return tx.Commit()
}

func (s *Store) agentIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM conversation_agents WHERE conversation_id=? ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, cover_image, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.UserID, &c.CoverImage, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("conversation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if c.AgentIDs, err = s.agentIDs(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, user_id, cover_image, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.UserID, &c.CoverImage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range convs {
		if convs[i].AgentIDs, err = s.agentIDs(ctx, convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NotFoundf("conversation not found: %s", id)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id=?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return domain.NotFoundf("conversation not found: %s", conversationID)
	}
	if err != nil {
		return err
	}

	if msg.AgentID != "" {
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM conversation_agents WHERE conversation_id=? AND agent_id=?`,
			conversationID, msg.AgentID,
		).Scan(&exists)
		if err == sql.ErrNoRows {
			return domain.Conflictf("agent %s is not a participant of conversation %s", msg.AgentID, conversationID)
		}
		if err != nil {
			return err
		}
	}

	// Get next sequence number.
	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=?`, conversationID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, maxSeq+1, string(msg.Role), msg.Content, msg.AgentID, msg.CreatedAt,
	); err != nil {
		return mapError(err, "message %s", msg.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE id=?`, time.Now().UTC(), conversationID,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Notify subscribers.
	s.notifySubscribers(conversationID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, agent_id, created_at
		 FROM messages WHERE conversation_id=? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m    domain.Message
			role string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.AgentID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		// Rows were validated on append; re-check in case the file was edited.
		if _, err := domain.ValidateMessage(m.Draft()); err != nil {
			return nil, fmt.Errorf("stored message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notifySubscribers(conversationID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- conversationID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
