// Package handlers implements the action handlers registered behind the
// dispatcher: the task-management operations the RPC layer exists to serve.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"taskmq/internal/auth"
	"taskmq/internal/mq"
	"taskmq/internal/store"
)

// UserStore and TaskStore are the persistence the handlers consume.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash, fullName string) (*store.User, error)
	UserByEmail(ctx context.Context, email string) (*store.User, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *store.Task) error
	Task(ctx context.Context, owner, id int64) (*store.Task, error)
	TasksByOwner(ctx context.Context, owner int64) ([]*store.Task, error)
	UpdateTask(ctx context.Context, t *store.Task) error
	DeleteTask(ctx context.Context, owner, id int64) error
}

// TokenIssuer mints access tokens on login.
type TokenIssuer interface {
	Issue(userID int64) (string, error)
}

type Service struct {
	users    UserStore
	tasks    TaskStore
	tokens   TokenIssuer
	validate *validator.Validate
}

func New(users UserStore, tasks TaskStore, tokens TokenIssuer) *Service {
	return &Service{
		users:    users,
		tasks:    tasks,
		tokens:   tokens,
		validate: validator.New(),
	}
}

// Register wires every action into the dispatcher. health_check, register and
// login run without a credential; everything else requires one. The task
// actions exist in both versions, v2 additionally honoring priority.
func (s *Service) Register(d *mq.Dispatcher) {
	d.HandleOpen("v1", "health_check", mq.HandlerFunc(s.HealthCheck))
	d.HandleOpen("v1", "register", mq.HandlerFunc(s.RegisterUser))
	d.HandleOpen("v1", "login", mq.HandlerFunc(s.Login))

	for _, version := range []string{"v1", "v2"} {
		d.Handle(version, "create_task", mq.HandlerFunc(s.CreateTask))
		d.Handle(version, "list_tasks", mq.HandlerFunc(s.ListTasks))
		d.Handle(version, "get_task", mq.HandlerFunc(s.GetTask))
		d.Handle(version, "update_task", mq.HandlerFunc(s.UpdateTask))
		d.Handle(version, "delete_task", mq.HandlerFunc(s.DeleteTask))
	}
}

func (s *Service) HealthCheck(_ context.Context, _ *mq.Principal, _ string, _ map[string]any) mq.Outcome {
	return mq.Succeed(map[string]any{"status": "ok"})
}

type registerInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
}

func (s *Service) RegisterUser(ctx context.Context, _ *mq.Principal, _ string, data map[string]any) mq.Outcome {
	var in registerInput
	if err := bindInput(data, &in); err != nil {
		return mq.Reject("email/password/full_name required")
	}
	if err := s.validate.Struct(in); err != nil {
		return mq.Reject("email/password/full_name required")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return mq.Fail(err)
	}
	u, err := s.users.CreateUser(ctx, in.Email, hash, in.FullName)
	if errors.Is(err, store.ErrEmailTaken) {
		return mq.Reject("User already exists")
	}
	if err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(map[string]any{"id": u.ID, "email": u.Email, "full_name": u.FullName})
}

type loginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Service) Login(ctx context.Context, _ *mq.Principal, _ string, data map[string]any) mq.Outcome {
	var in loginInput
	if err := bindInput(data, &in); err != nil {
		return mq.Reject("email/password required")
	}
	if err := s.validate.Struct(in); err != nil {
		return mq.Reject("email/password required")
	}
	u, err := s.users.UserByEmail(ctx, in.Email)
	if errors.Is(err, store.ErrNotFound) {
		return mq.Reject("Incorrect email or password")
	}
	if err != nil {
		return mq.Fail(err)
	}
	if !auth.VerifyPassword(in.Password, u.PasswordHash) {
		return mq.Reject("Incorrect email or password")
	}
	token, err := s.tokens.Issue(u.ID)
	if err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(map[string]any{"access_token": token, "token_type": "bearer"})
}

type createTaskInput struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    string `json:"priority"`
}

func (s *Service) CreateTask(ctx context.Context, p *mq.Principal, version string, data map[string]any) mq.Outcome {
	var in createTaskInput
	if err := bindInput(data, &in); err != nil {
		return mq.Reject("title required")
	}
	if err := s.validate.Struct(in); err != nil {
		return mq.Reject("title required")
	}

	t := &store.Task{
		OwnerID:     p.ID,
		Title:       in.Title,
		Description: in.Description,
	}
	// Priority arrived with v2; v1 silently ignores it.
	if version == "v2" && in.Priority != "" {
		if err := s.validate.Var(in.Priority, "oneof=low medium high"); err != nil {
			return mq.Reject("priority must be one of: low, medium, high")
		}
		t.Priority = store.TaskPriority(in.Priority)
	}
	if in.DueDate != "" {
		due, err := parseDueDate(in.DueDate)
		if err != nil {
			return mq.Reject("due_date must be ISO format, e.g. 2025-12-31 or 2025-12-31T10:00:00")
		}
		t.DueDate = &due
	}
	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(taskPayload(t))
}

func (s *Service) ListTasks(ctx context.Context, p *mq.Principal, _ string, _ map[string]any) mq.Outcome {
	tasks, err := s.tasks.TasksByOwner(ctx, p.ID)
	if err != nil {
		return mq.Fail(err)
	}
	payload := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		payload = append(payload, taskPayload(t))
	}
	return mq.Succeed(payload)
}

func (s *Service) GetTask(ctx context.Context, p *mq.Principal, _ string, data map[string]any) mq.Outcome {
	id, ok := taskID(data)
	if !ok {
		return mq.Reject("task_id required")
	}
	t, err := s.tasks.Task(ctx, p.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		return mq.Reject("Task not found")
	}
	if err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(taskPayload(t))
}

func (s *Service) UpdateTask(ctx context.Context, p *mq.Principal, version string, data map[string]any) mq.Outcome {
	id, ok := taskID(data)
	if !ok {
		return mq.Reject("task_id required")
	}
	t, err := s.tasks.Task(ctx, p.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		return mq.Reject("Task not found")
	}
	if err != nil {
		return mq.Fail(err)
	}

	if v, ok := stringField(data, "title"); ok {
		t.Title = v
	}
	if v, ok := stringField(data, "description"); ok {
		t.Description = v
	}
	if v, ok := stringField(data, "status"); ok {
		switch store.TaskStatus(v) {
		case store.StatusTodo, store.StatusInProgress, store.StatusDone:
			t.Status = store.TaskStatus(v)
		default:
			return mq.Reject("status must be one of: todo, in_progress, done")
		}
	}
	if v, ok := stringField(data, "priority"); ok && version == "v2" {
		switch store.TaskPriority(v) {
		case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
			t.Priority = store.TaskPriority(v)
		default:
			return mq.Reject("priority must be one of: low, medium, high")
		}
	}
	if raw, present := data["due_date"]; present {
		if raw == nil {
			t.DueDate = nil
		} else if v, ok := raw.(string); ok {
			due, err := parseDueDate(v)
			if err != nil {
				return mq.Reject("due_date must be ISO format")
			}
			t.DueDate = &due
		} else {
			return mq.Reject("due_date must be ISO format")
		}
	}

	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(taskPayload(t))
}

func (s *Service) DeleteTask(ctx context.Context, p *mq.Principal, _ string, data map[string]any) mq.Outcome {
	id, ok := taskID(data)
	if !ok {
		return mq.Reject("task_id required")
	}
	err := s.tasks.DeleteTask(ctx, p.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		return mq.Reject("Task not found")
	}
	if err != nil {
		return mq.Fail(err)
	}
	return mq.Succeed(map[string]any{"deleted": true, "task_id": id})
}

// bindInput funnels the untyped data mapping through JSON into a typed input.
func bindInput(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// taskID tolerates the id arriving as a JSON number or a string.
func taskID(data map[string]any) (int64, bool) {
	switch v := data["task_id"].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok && v != ""
}

var dueDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDueDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range dueDateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func taskPayload(t *store.Task) map[string]any {
	var due any
	if t.DueDate != nil {
		due = t.DueDate.Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":          t.ID,
		"owner_id":    t.OwnerID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"due_date":    due,
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
}
