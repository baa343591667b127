// Package store persists the domain entities (users, tasks) in Redis. Each
// write is a single atomic command or script, so a handler invocation either
// lands fully or not at all.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrEmailTaken = errors.New("store: email already registered")
)

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	FullName     string
	CreatedAt    time.Time
}

type Task struct {
	ID          int64
	OwnerID     int64
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// createUserLua claims the email index and writes the user hash in one step,
// so a half-created user can never shadow an email.
var createUserLua = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2],
  'id', ARGV[1],
  'email', ARGV[2],
  'password_hash', ARGV[3],
  'full_name', ARGV[4],
  'created_at', ARGV[5])
return 1
`)

type Store struct {
	rdb     *redis.Client
	ns      string
	nowFunc func() time.Time
}

func New(rdb *redis.Client, namespace string) *Store {
	return &Store{rdb: rdb, ns: namespace, nowFunc: time.Now}
}

func (s *Store) userKey(id int64) string { return fmt.Sprintf("%s:user:%d", s.ns, id) }
func (s *Store) emailKey(email string) string {
	return s.ns + ":user:email:" + strings.ToLower(email)
}
func (s *Store) taskKey(id int64) string { return fmt.Sprintf("%s:task:%d", s.ns, id) }
func (s *Store) ownerTasksKey(owner int64) string {
	return fmt.Sprintf("%s:user:%d:tasks", s.ns, owner)
}

// CreateUser registers a new user. The email index is the uniqueness
// constraint, which also makes a redelivered registration safe.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, fullName string) (*User, error) {
	id, err := s.rdb.Incr(ctx, s.ns+":user:next_id").Result()
	if err != nil {
		return nil, fmt.Errorf("allocate user id: %w", err)
	}
	now := s.nowFunc().UTC()
	created, err := createUserLua.Run(ctx, s.rdb,
		[]string{s.emailKey(email), s.userKey(id)},
		id, email, passwordHash, fullName, now.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if created == 0 {
		return nil, ErrEmailTaken
	}
	return &User{ID: id, Email: email, PasswordHash: passwordHash, FullName: fullName, CreatedAt: now}, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	raw, err := s.rdb.Get(ctx, s.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user by email: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("user by email %s: bad index entry %q", email, raw)
	}
	return s.UserByID(ctx, id)
}

func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	fields, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	u := &User{
		Email:        fields["email"],
		PasswordHash: fields["password_hash"],
		FullName:     fields["full_name"],
	}
	u.ID, _ = strconv.ParseInt(fields["id"], 10, 64)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	return u, nil
}

// CreateTask assigns an id, fills defaults and persists the task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	id, err := s.rdb.Incr(ctx, s.ns+":task:next_id").Result()
	if err != nil {
		return fmt.Errorf("allocate task id: %w", err)
	}
	now := s.nowFunc().UTC()
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.taskKey(id), taskFields(t))
	pipe.ZAdd(ctx, s.ownerTasksKey(t.OwnerID), redis.Z{Score: float64(id), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Task returns owner's task by id, ErrNotFound when absent or owned by
// someone else.
func (s *Store) Task(ctx context.Context, owner, id int64) (*Task, error) {
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	t, err := taskFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	if t.OwnerID != owner {
		return nil, ErrNotFound
	}
	return t, nil
}

// TasksByOwner lists owner's tasks, newest first.
func (s *Store) TasksByOwner(ctx context.Context, owner int64) ([]*Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.ownerTasksKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tasks of %d: %w", owner, err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		t, err := s.Task(ctx, owner, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateTask rewrites the task hash, bumping updated_at.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = s.nowFunc().UTC()
	fields := taskFields(t)
	// due_date may have been cleared; HSet alone would leave the old value.
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.taskKey(t.ID), "due_date")
	pipe.HSet(ctx, s.taskKey(t.ID), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes owner's task by id.
func (s *Store) DeleteTask(ctx context.Context, owner, id int64) error {
	if _, err := s.Task(ctx, owner, id); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.ZRem(ctx, s.ownerTasksKey(owner), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

func taskFields(t *Task) map[string]any {
	fields := map[string]any{
		"id":          t.ID,
		"owner_id":    t.OwnerID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.DueDate != nil {
		fields["due_date"] = t.DueDate.Format(time.RFC3339Nano)
	}
	return fields
}

func taskFromFields(fields map[string]string) (*Task, error) {
	t := &Task{
		Title:       fields["title"],
		Description: fields["description"],
		Status:      TaskStatus(fields["status"]),
		Priority:    TaskPriority(fields["priority"]),
	}
	var err error
	if t.ID, err = strconv.ParseInt(fields["id"], 10, 64); err != nil {
		return nil, fmt.Errorf("bad id %q", fields["id"])
	}
	if t.OwnerID, err = strconv.ParseInt(fields["owner_id"], 10, 64); err != nil {
		return nil, fmt.Errorf("bad owner_id %q", fields["owner_id"])
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	if raw, ok := fields["due_date"]; ok && raw != "" {
		due, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("bad due_date %q", raw)
		}
		t.DueDate = &due
	}
	return t, nil
}
