package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/npcforge/internal/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// Store 数据存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sheet TEXT NOT NULL,
		setting TEXT NOT NULL DEFAULT '',
		text_model TEXT NOT NULL DEFAULT '',
		portrait_b64 TEXT NOT NULL DEFAULT '',
		portrait_url TEXT NOT NULL DEFAULT '',
		portrait_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		timestamp DATETIME NOT NULL,
		operation TEXT,
		model TEXT,
		character_id TEXT,
		success INTEGER,
		status_code INTEGER,
		latency_ms INTEGER,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		error TEXT,
		client_key TEXT,
		over_limit INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_characters_created ON characters(created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_character ON chat_messages(character_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON request_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_operation ON request_logs(operation);
	CREATE INDEX IF NOT EXISTS idx_logs_client ON request_logs(client_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连接
func (s *Store) Ping() error {
	return s.db.Ping()
}

// === Characters ===

// SaveCharacter 保存角色（存在则更新）
func (s *Store) SaveCharacter(c *model.Character) error {
	sheet, err := json.Marshal(c.Sheet)
	if err != nil {
		return fmt.Errorf("encode sheet: %w", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err = s.db.Exec(`
		INSERT INTO characters (id, name, sheet, setting, text_model, portrait_b64, portrait_url, portrait_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sheet = excluded.sheet,
			setting = excluded.setting,
			text_model = excluded.text_model,
			portrait_b64 = excluded.portrait_b64,
			portrait_url = excluded.portrait_url,
			portrait_prompt = excluded.portrait_prompt,
			updated_at = excluded.updated_at
	`, c.ID, c.Sheet.Name, string(sheet), c.Setting, c.TextModel,
		c.PortraitB64, c.PortraitURL, c.PortraitPrompt, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCharacter 获取角色
func (s *Store) GetCharacter(id string) (*model.Character, error) {
	row := s.db.QueryRow(`
		SELECT id, sheet, setting, text_model, portrait_b64, portrait_url, portrait_prompt, created_at, updated_at
		FROM characters WHERE id = ?
	`, id)

	var c model.Character
	var sheetJSON string
	err := row.Scan(&c.ID, &sheetJSON, &c.Setting, &c.TextModel,
		&c.PortraitB64, &c.PortraitURL, &c.PortraitPrompt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sheetJSON), &c.Sheet); err != nil {
		return nil, fmt.Errorf("decode sheet %s: %w", id, err)
	}
	return &c, nil
}

// ListCharacters 按创建时间倒序列出角色（不含立绘数据）
func (s *Store) ListCharacters(limit, offset int) ([]*model.Character, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, sheet, setting, text_model, portrait_b64 != '', portrait_url, created_at, updated_at
		FROM characters ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []*model.Character
	for rows.Next() {
		var c model.Character
		var sheetJSON string
		var hasB64 bool
		if err := rows.Scan(&c.ID, &sheetJSON, &c.Setting, &c.TextModel,
			&hasB64, &c.PortraitURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sheetJSON), &c.Sheet); err != nil {
			return nil, fmt.Errorf("decode sheet %s: %w", c.ID, err)
		}
		if hasB64 {
			// 占位，仅用于 HasPortrait 判断
			c.PortraitB64 = "-"
		}
		chars = append(chars, &c)
	}
	return chars, rows.Err()
}

// CountCharacters 角色总数
func (s *Store) CountCharacters() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM characters").Scan(&n)
	return n, err
}

// UpdatePortrait 更新角色立绘
func (s *Store) UpdatePortrait(id string, img model.Image, prompt string) error {
	res, err := s.db.Exec(`
		UPDATE characters SET portrait_b64 = ?, portrait_url = ?, portrait_prompt = ?, updated_at = ?
		WHERE id = ?
	`, img.B64JSON, img.URL, prompt, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteCharacter 删除角色及其对话
func (s *Store) DeleteCharacter(id string) error {
	res, err := s.db.Exec("DELETE FROM characters WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// === Chat ===

// AppendChatMessage 追加对话消息
func (s *Store) AppendChatMessage(m *model.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_messages (id, character_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.CharacterID, string(m.Role), m.Content, m.CreatedAt)
	return err
}

// ListChatMessages 返回最近 limit 条消息，按时间正序
func (s *Store) ListChatMessages(characterID string, limit int) ([]*model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, character_id, role, content, created_at
		FROM chat_messages WHERE character_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, characterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.CharacterID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = model.ChatRole(role)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 倒序取最近 N 条，再翻转为正序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// === Usage records (usage.Storage) ===

// Get 读取用量记录
func (s *Store) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM usage_records WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set 写入用量记录
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
