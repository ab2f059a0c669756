package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertLLMConfig(ctx context.Context, c LLMConfig) error {
	if c.ParamsJSON == "" {
		c.ParamsJSON = "{}"
	}
	q := s.sql.Insert("llm_configs").
		Columns("name", "kind", "base_url", "enc_api_key", "model", "params_json", "tools_enabled").
		Values(c.Name, c.Kind, c.BaseURL, c.EncAPIKey, c.Model, c.ParamsJSON, c.ToolsEnabled).
		Suffix("ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, base_url=excluded.base_url, enc_api_key=excluded.enc_api_key, model=excluded.model, params_json=excluded.params_json, tools_enabled=excluded.tools_enabled")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build llm config upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert llm config: %w", err)
	}
	return nil
}

func (s *Store) ListLLMConfigs(ctx context.Context) ([]LLMConfig, error) {
	q := s.sql.Select("name", "kind", "base_url", "enc_api_key", "model", "params_json", "tools_enabled", "created_at").
		From("llm_configs").
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list llm configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list llm configs: %w", err)
	}
	defer rows.Close()

	out := make([]LLMConfig, 0)
	for rows.Next() {
		var c LLMConfig
		var encKey sql.NullString
		if err := rows.Scan(&c.Name, &c.Kind, &c.BaseURL, &encKey, &c.Model, &c.ParamsJSON, &c.ToolsEnabled, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan llm config row: %w", err)
		}
		if encKey.Valid {
			c.EncAPIKey = &encKey.String
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate llm config rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertTool(ctx context.Context, t Tool) (int64, error) {
	if t.ToolJSONSpec == "" {
		t.ToolJSONSpec = "{}"
	}
	if t.ContextParamsJSON == "" {
		t.ContextParamsJSON = "[]"
	}
	q := s.sql.Insert("tools").
		Columns("name", "tool_code", "tool_json_spec", "context_params", "updated_at").
		Values(t.Name, t.ToolCode, t.ToolJSONSpec, t.ContextParamsJSON, nowExpr(s.driver)).
		Suffix("ON CONFLICT(name) DO UPDATE SET tool_code=excluded.tool_code, tool_json_spec=excluded.tool_json_spec, context_params=excluded.context_params, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build tool upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("upsert tool: %w", err)
	}

	idQ := s.sql.Select("id").From("tools").Where(sq.Eq{"name": t.Name})
	sqlStr, args, err = idQ.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build tool id query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get tool id: %w", err)
	}
	return id, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t PromptTemplate, toolIDs []int64) (int64, error) {
	if t.RequiredKwargsJSON == "" {
		t.RequiredKwargsJSON = "[]"
	}
	if t.InitialMessagesJSON == "" {
		t.InitialMessagesJSON = "[]"
	}
	if t.LoggedContextJSON == "" {
		t.LoggedContextJSON = "[]"
	}
	q := s.sql.Insert("prompt_templates").
		Columns("name", "llm_config_name", "type", "required_kwargs", "initial_messages", "system_prompt_template", "user_prompt_template", "logged_context_vars").
		Values(t.Name, t.LLMConfigName, t.Type, t.RequiredKwargsJSON, t.InitialMessagesJSON, t.SystemPromptTemplate, t.UserPromptTemplate, t.LoggedContextJSON).
		Suffix("ON CONFLICT(name) DO UPDATE SET llm_config_name=excluded.llm_config_name, type=excluded.type, required_kwargs=excluded.required_kwargs, initial_messages=excluded.initial_messages, system_prompt_template=excluded.system_prompt_template, user_prompt_template=excluded.user_prompt_template, logged_context_vars=excluded.logged_context_vars")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build template upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("upsert template: %w", err)
	}

	idQ := s.sql.Select("id").From("prompt_templates").Where(sq.Eq{"name": t.Name})
	sqlStr, args, err = idQ.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build template id query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("get template id: %w", err)
	}

	del := s.sql.Delete("prompt_template_tools").Where(sq.Eq{"template_id": id})
	sqlStr, args, err = del.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build template tools delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("clear template tools: %w", err)
	}
	for _, toolID := range toolIDs {
		ins := s.sql.Insert("prompt_template_tools").Columns("template_id", "tool_id").Values(id, toolID)
		sqlStr, args, err = ins.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build template tool insert query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return 0, fmt.Errorf("attach tool %d: %w", toolID, err)
		}
	}
	return id, nil
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (PromptTemplateWithTools, error) {
	q := s.sql.Select("id", "name", "llm_config_name", "type", "required_kwargs", "initial_messages", "system_prompt_template", "user_prompt_template", "logged_context_vars", "created_at").
		From("prompt_templates").
		Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PromptTemplateWithTools{}, fmt.Errorf("build template by name query: %w", err)
	}

	var out PromptTemplateWithTools
	var typ sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.ID,
		&out.Name,
		&out.LLMConfigName,
		&typ,
		&out.RequiredKwargsJSON,
		&out.InitialMessagesJSON,
		&out.SystemPromptTemplate,
		&out.UserPromptTemplate,
		&out.LoggedContextJSON,
		&out.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptTemplateWithTools{}, ErrNotFound
		}
		return PromptTemplateWithTools{}, fmt.Errorf("get template by name: %w", err)
	}
	if typ.Valid {
		out.Type = &typ.String
	}

	tools, err := s.getTemplateTools(ctx, out.ID)
	if err != nil {
		return PromptTemplateWithTools{}, err
	}
	out.Tools = tools
	return out, nil
}

func (s *Store) ListTemplateNames(ctx context.Context) ([]string, error) {
	q := s.sql.Select("name").From("prompt_templates").OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list template names query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list template names: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan template name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template names: %w", err)
	}
	return out, nil
}

func (s *Store) ListTemplateConfigNames(ctx context.Context) ([]string, error) {
	q := s.sql.Select("DISTINCT llm_config_name").From("prompt_templates")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build template config names query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list template config names: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan config name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config names: %w", err)
	}
	return out, nil
}

func (s *Store) getTemplateTools(ctx context.Context, templateID int64) ([]Tool, error) {
	q := s.sql.Select("t.id", "t.name", "t.tool_code", "t.tool_json_spec", "t.context_params", "t.created_at", "t.updated_at").
		From("tools t").
		Join("prompt_template_tools tt ON tt.tool_id = t.id").
		Where(sq.Eq{"tt.template_id": templateID}).
		OrderBy("t.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build template tools query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get template tools: %w", err)
	}
	defer rows.Close()

	out := make([]Tool, 0)
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ID, &t.Name, &t.ToolCode, &t.ToolJSONSpec, &t.ContextParamsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}
	return out, nil
}

func (s *Store) CreateChatHistory(ctx context.Context) (int64, error) {
	q := s.sql.Insert("chat_histories").
		Columns("chat_history").
		Values("[]")
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create chat history query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create chat history: %w", err)
		}
		return id, nil
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create chat history query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create chat history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chat history insert id: %w", err)
	}
	return id, nil
}

func (s *Store) GetChatHistory(ctx context.Context, id int64) (ChatRecord, error) {
	q := s.sql.Select("id", "chat_history", "created_at", "updated_at").
		From("chat_histories").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatRecord{}, fmt.Errorf("build get chat history query: %w", err)
	}

	var rec ChatRecord
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&rec.ID, &rec.HistoryJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatRecord{}, ErrNotFound
		}
		return ChatRecord{}, fmt.Errorf("get chat history: %w", err)
	}
	return rec, nil
}

func (s *Store) SaveChatHistory(ctx context.Context, id int64, historyJSON string) error {
	if historyJSON == "" || !json.Valid([]byte(historyJSON)) {
		return fmt.Errorf("chat history %d: invalid history json", id)
	}
	q := s.sql.Update("chat_histories").
		Set("chat_history", historyJSON).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save chat history query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
