package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/tools"
)

// SQLiteStore is the disk-backed Store implementation. Tree mutations run in
// transactions so a message insert/delete and its parent childCount update
// are indivisible.
//
// Tool definitions round-trip without their Func: the executable
// implementation is resolved by name against a tools.Registry at call time.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pocketllm.db"
	}

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		last_backend_id TEXT,
		last_model_id TEXT,
		system_prompt TEXT,
		temperature REAL,
		max_tokens INTEGER,
		top_p REAL,
		frequency_penalty REAL,
		presence_penalty REAL,
		active_leaf_message_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		parent_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		thinking TEXT,
		backend_id TEXT,
		model_id TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		tool_call_id TEXT,
		tool_calls_json TEXT,
		images_json TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		child_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);

	CREATE TABLE IF NOT EXISTS compaction_summaries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		summary TEXT NOT NULL,
		compacted_message_count INTEGER NOT NULL,
		inserted_before_message_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON compaction_summaries(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		parameters_json TEXT NOT NULL DEFAULT '{}',
		built_in INTEGER NOT NULL DEFAULT 0,
		enabled_by_default INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS conversation_tool_enabled (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		tool_id TEXT NOT NULL REFERENCES tool_definitions(id) ON DELETE CASCADE,
		enabled INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (conversation_id, tool_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, last_backend_id, last_model_id,
			system_prompt, temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
			active_leaf_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title,
		nullString(conv.LastBackendID), nullString(conv.LastModelID),
		conv.Overrides.SystemPrompt, conv.Overrides.Temperature, conv.Overrides.MaxTokens,
		conv.Overrides.TopP, conv.Overrides.FrequencyPenalty, conv.Overrides.PresencePenalty,
		nullNodeID(conv.ActiveLeafMessageID), conv.CreatedAt, conv.UpdatedAt,
	)
	return errors.Wrap(err, "insert conversation")
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, last_backend_id, last_model_id,
			system_prompt, temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
			active_leaf_message_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	return conv, err
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, last_backend_id, last_model_id,
			system_prompt, temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
			active_leaf_message_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ret []*conversation.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, conv)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id string, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) UpdateConversationBackend(ctx context.Context, id string, backendID, modelID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_backend_id = ?, last_model_id = ?, updated_at = ? WHERE id = ?`,
		nullString(backendID), nullString(modelID), time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) UpdateActiveLeaf(ctx context.Context, id string, leaf conversation.NodeID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if !leaf.IsNull() {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id FROM messages WHERE id = ?`, leaf.String()).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(conversation.ErrConstraintViolation, "active leaf %s does not exist", leaf)
		}
		if err != nil {
			return err
		}
		if owner != id {
			return errors.Wrapf(conversation.ErrConstraintViolation,
				"active leaf %s does not belong to conversation %s", leaf, id)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET active_leaf_message_id = ?, updated_at = ? WHERE id = ?`,
		nullNodeID(leaf), time.Now(), id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM compaction_summaries WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_tool_enabled WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- messages ---

const messageColumns = `id, conversation_id, parent_id, role, content, thinking,
	backend_id, model_id, prompt_tokens, completion_tokens, total_tokens,
	tool_call_id, tool_calls_json, images_json, depth, child_count, created_at`

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if !msg.ParentID.IsNull() {
		var parentConv string
		var parentDepth int
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id, depth FROM messages WHERE id = ?`,
			msg.ParentID.String()).Scan(&parentConv, &parentDepth)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(conversation.ErrConstraintViolation, "parent %s does not exist", msg.ParentID)
		}
		if err != nil {
			return err
		}
		if parentConv != msg.ConversationID {
			return errors.Wrapf(conversation.ErrConstraintViolation,
				"parent %s belongs to conversation %s, not %s",
				msg.ParentID, parentConv, msg.ConversationID)
		}
		msg.Depth = parentDepth + 1
	} else {
		msg.Depth = 0
	}

	toolCallsJSON, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return err
	}
	imagesJSON, err := marshalNullable(msg.Images)
	if err != nil {
		return err
	}

	var promptTokens, completionTokens, totalTokens interface{}
	if msg.Usage != nil {
		promptTokens = msg.Usage.PromptTokens
		completionTokens = msg.Usage.CompletionTokens
		totalTokens = msg.Usage.TotalTokens
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID, nullNodeID(msg.ParentID),
		string(msg.Role), msg.Content, nullString(msg.Thinking),
		nullString(msg.BackendID), nullString(msg.ModelID),
		promptTokens, completionTokens, totalTokens,
		nullString(msg.ToolCallID), toolCallsJSON, imagesJSON,
		msg.Depth, 0, msg.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}

	if !msg.ParentID.IsNull() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET child_count = child_count + 1 WHERE id = ?`,
			msg.ParentID.String()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(conversation.ErrNotFound, "message %s", id)
	}
	return msg, err
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id conversation.NodeID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var parentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT parent_id FROM messages WHERE id = ?`, id.String()).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(conversation.ErrNotFound, "message %s", id)
	}
	if err != nil {
		return err
	}

	// Delete the whole subtree; only the direct parent's counter changes.
	_, err = tx.ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM messages WHERE id = ?
			UNION ALL
			SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		)
		DELETE FROM messages WHERE id IN (SELECT id FROM subtree)`, id.String())
	if err != nil {
		return err
	}

	if parentID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET child_count = child_count - 1 WHERE id = ?`,
			parentID.String); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, parentID conversation.NodeID) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent_id = ? ORDER BY created_at ASC, rowid ASC`,
		parentID.String())
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) RootsOf(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND parent_id IS NULL ORDER BY created_at ASC, rowid ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ActiveBranch walks from the leaf up to the root with a recursive CTE. The
// walk is bounded by the leaf's recorded depth so a corrupted parent chain
// (a cycle) terminates and is reported instead of looping forever.
func (s *SQLiteStore) ActiveBranch(ctx context.Context, leafID conversation.NodeID) ([]*conversation.Message, error) {
	leaf, err := s.GetMessage(ctx, leafID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE branch(id, conversation_id, parent_id, role, content, thinking,
			backend_id, model_id, prompt_tokens, completion_tokens, total_tokens,
			tool_call_id, tool_calls_json, images_json, depth, child_count, created_at, steps) AS (
			SELECT `+messageColumns+`, 0 FROM messages WHERE id = ?
			UNION ALL
			SELECT m.id, m.conversation_id, m.parent_id, m.role, m.content, m.thinking,
				m.backend_id, m.model_id, m.prompt_tokens, m.completion_tokens, m.total_tokens,
				m.tool_call_id, m.tool_calls_json, m.images_json, m.depth, m.child_count, m.created_at,
				b.steps + 1
			FROM messages m JOIN branch b ON m.id = b.parent_id
			WHERE b.steps <= ?
		)
		SELECT id, conversation_id, parent_id, role, content, thinking,
			backend_id, model_id, prompt_tokens, completion_tokens, total_tokens,
			tool_call_id, tool_calls_json, images_json, depth, child_count, created_at
		FROM branch ORDER BY depth ASC`, leafID.String(), leaf.Depth)
	if err != nil {
		return nil, err
	}
	branch, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(branch) != leaf.Depth+1 || branch[0].Depth != 0 {
		log.Error().
			Str("leaf_id", leafID.String()).
			Int("expected", leaf.Depth+1).
			Int("got", len(branch)).
			Msg("active branch walk did not reach a root")
		return nil, errors.Wrapf(conversation.ErrCorruptTree, "branch walk from %s did not reach a root", leafID)
	}
	for i := 0; i+1 < len(branch); i++ {
		if branch[i+1].ParentID != branch[i].ID {
			return nil, errors.Wrapf(conversation.ErrCorruptTree, "broken parent chain at depth %d", i+1)
		}
	}
	return branch, nil
}

func (s *SQLiteStore) SearchMessages(ctx context.Context, query string) ([]SearchResult, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, c.title, m.role, SUBSTR(m.content, 1, 120), m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.content LIKE ? OR c.title LIKE ?
		ORDER BY m.created_at DESC
		LIMIT 50`, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ret []SearchResult
	for rows.Next() {
		var r SearchResult
		var msgID, role string
		if err := rows.Scan(&msgID, &r.ConversationID, &r.ConversationTitle, &role, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, err
		}
		id, err := conversation.ParseNodeID(msgID)
		if err != nil {
			return nil, err
		}
		r.MessageID = id
		r.Role = conversation.Role(role)
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// --- compaction summaries ---

func (s *SQLiteStore) InsertSummary(ctx context.Context, summary *conversation.CompactionSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compaction_summaries (id, conversation_id, summary, compacted_message_count, inserted_before_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.ConversationID, summary.Summary,
		summary.CompactedMessageCount, nullNodeID(summary.InsertedBeforeMessageID),
		summary.CreatedAt,
	)
	return errors.Wrap(err, "insert compaction summary")
}

func (s *SQLiteStore) LatestSummary(ctx context.Context, conversationID string) (*conversation.CompactionSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, summary, compacted_message_count, inserted_before_message_id, created_at
		FROM compaction_summaries
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, conversationID)

	var summary conversation.CompactionSummary
	var insertedBefore sql.NullString
	err := row.Scan(&summary.ID, &summary.ConversationID, &summary.Summary,
		&summary.CompactedMessageCount, &insertedBefore, &summary.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if insertedBefore.Valid {
		id, err := conversation.ParseNodeID(insertedBefore.String)
		if err != nil {
			return nil, err
		}
		summary.InsertedBeforeMessageID = id
	}
	return &summary, nil
}

// --- tool definitions ---

func (s *SQLiteStore) UpsertToolDefinition(ctx context.Context, def tools.Definition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_definitions (id, name, description, parameters_json, built_in, enabled_by_default)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			parameters_json = excluded.parameters_json,
			built_in = excluded.built_in,
			enabled_by_default = excluded.enabled_by_default`,
		def.ID, def.Name, def.Description, string(def.Parameters),
		boolToInt(def.BuiltIn), boolToInt(def.EnabledByDefault),
	)
	return errors.Wrap(err, "upsert tool definition")
}

func (s *SQLiteStore) ListToolDefinitions(ctx context.Context) ([]tools.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, parameters_json, built_in, enabled_by_default
		FROM tool_definitions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	return collectToolDefinitions(rows)
}

func (s *SQLiteStore) SetConversationToolEnabled(ctx context.Context, conversationID, toolID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_tool_enabled (conversation_id, tool_id, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, tool_id) DO UPDATE SET enabled = excluded.enabled`,
		conversationID, toolID, boolToInt(enabled),
	)
	return errors.Wrap(err, "set conversation tool override")
}

func (s *SQLiteStore) EnabledToolsFor(ctx context.Context, conversationID string) ([]tools.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT td.id, td.name, td.description, td.parameters_json, td.built_in, td.enabled_by_default
		FROM tool_definitions td
		LEFT JOIN conversation_tool_enabled cte
			ON td.id = cte.tool_id AND cte.conversation_id = ?
		WHERE COALESCE(cte.enabled, td.enabled_by_default) = 1
		ORDER BY td.name ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return collectToolDefinitions(rows)
}

var _ Store = (*SQLiteStore)(nil)

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var conv conversation.Conversation
	var lastBackend, lastModel, activeLeaf sql.NullString
	var systemPrompt sql.NullString
	var temperature, topP, frequencyPenalty, presencePenalty sql.NullFloat64
	var maxTokens sql.NullInt64

	err := row.Scan(&conv.ID, &conv.Title, &lastBackend, &lastModel,
		&systemPrompt, &temperature, &maxTokens, &topP, &frequencyPenalty, &presencePenalty,
		&activeLeaf, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	conv.LastBackendID = lastBackend.String
	conv.LastModelID = lastModel.String
	if systemPrompt.Valid {
		conv.Overrides.SystemPrompt = &systemPrompt.String
	}
	if temperature.Valid {
		conv.Overrides.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		conv.Overrides.MaxTokens = &v
	}
	if topP.Valid {
		conv.Overrides.TopP = &topP.Float64
	}
	if frequencyPenalty.Valid {
		conv.Overrides.FrequencyPenalty = &frequencyPenalty.Float64
	}
	if presencePenalty.Valid {
		conv.Overrides.PresencePenalty = &presencePenalty.Float64
	}
	if activeLeaf.Valid {
		id, err := conversation.ParseNodeID(activeLeaf.String)
		if err != nil {
			return nil, err
		}
		conv.ActiveLeafMessageID = id
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var msg conversation.Message
	var id string
	var parentID, thinking, backendID, modelID, toolCallID, toolCallsJSON, imagesJSON sql.NullString
	var promptTokens, completionTokens, totalTokens sql.NullInt64
	var role string

	err := row.Scan(&id, &msg.ConversationID, &parentID, &role, &msg.Content, &thinking,
		&backendID, &modelID, &promptTokens, &completionTokens, &totalTokens,
		&toolCallID, &toolCallsJSON, &imagesJSON, &msg.Depth, &msg.ChildCount, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	nodeID, err := conversation.ParseNodeID(id)
	if err != nil {
		return nil, err
	}
	msg.ID = nodeID
	msg.ParentID = conversation.NullNode
	if parentID.Valid {
		pid, err := conversation.ParseNodeID(parentID.String)
		if err != nil {
			return nil, err
		}
		msg.ParentID = pid
	}
	msg.Role = conversation.Role(role)
	msg.Thinking = thinking.String
	msg.BackendID = backendID.String
	msg.ModelID = modelID.String
	msg.ToolCallID = toolCallID.String
	if promptTokens.Valid || completionTokens.Valid || totalTokens.Valid {
		msg.Usage = &conversation.TokenUsage{
			PromptTokens:     int(promptTokens.Int64),
			CompletionTokens: int(completionTokens.Int64),
			TotalTokens:      int(totalTokens.Int64),
		}
	}
	if toolCallsJSON.Valid && toolCallsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
			return nil, errors.Wrap(err, "decode tool calls")
		}
	}
	if imagesJSON.Valid && imagesJSON.String != "" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &msg.Images); err != nil {
			return nil, errors.Wrap(err, "decode images")
		}
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*conversation.Message, error) {
	defer func() { _ = rows.Close() }()

	var ret []*conversation.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, msg)
	}
	return ret, rows.Err()
}

func collectToolDefinitions(rows *sql.Rows) ([]tools.Definition, error) {
	defer func() { _ = rows.Close() }()

	var ret []tools.Definition
	for rows.Next() {
		var def tools.Definition
		var params string
		var builtIn, enabledByDefault int
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &params, &builtIn, &enabledByDefault); err != nil {
			return nil, err
		}
		def.Parameters = json.RawMessage(params)
		def.BuiltIn = builtIn != 0
		def.EnabledByDefault = enabledByDefault != 0
		ret = append(ret, def)
	}
	return ret, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(conversation.ErrNotFound, "conversation %s", id)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullNodeID(id conversation.NodeID) interface{} {
	if id.IsNull() {
		return nil
	}
	return id.String()
}

func marshalNullable(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case []conversation.ToolCall:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json column")
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
