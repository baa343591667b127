// Demo client: walks the whole protocol against a running worker, including
// a simulated transient fault and an idempotent replay of the same request id.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskmq/internal/config"
	"taskmq/internal/mq"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connect: %v", err)
	}

	top := mq.NewTopology(rdb, cfg.Namespace, cfg.Group)
	if err := top.Declare(ctx); err != nil {
		log.Fatalf("declare topology: %v", err)
	}

	client := mq.NewClient(rdb, top, mq.WithCallTimeout(cfg.RPCTimeout))
	defer client.Close()

	r, err := client.Call(ctx, "v1", "health_check", nil, "")
	log.Printf("1) health_check: %+v err=%v", r, err)

	// Rides the retry queue until the budget is spent.
	r, err = client.Call(ctx, "v1", "health_check", map[string]any{"simulate_temp_error": true}, "")
	log.Printf("2) simulated fault: %+v err=%v", r, err)

	email := fmt.Sprintf("student_%s@example.com", uuid.NewString()[:6])
	r, err = client.Call(ctx, "v1", "register", map[string]any{
		"email":     email,
		"password":  "qwerty123",
		"full_name": "Vika Student",
	}, "")
	log.Printf("3) register: %+v err=%v", r, err)

	r, err = client.Call(ctx, "v1", "login", map[string]any{
		"email":    email,
		"password": "qwerty123",
	}, "")
	log.Printf("4) login: %+v err=%v", r, err)
	if err != nil || r.Status != mq.StatusOK {
		log.Fatal("no token, stop")
	}
	token, _ := r.Data.(map[string]any)["access_token"].(string)

	r, err = client.Call(ctx, "v1", "create_task", map[string]any{
		"title":       "Buy milk",
		"description": "demo task",
	}, token)
	log.Printf("5) create_task: %+v err=%v", r, err)
	var taskID any
	if r.Status == mq.StatusOK {
		taskID = r.Data.(map[string]any)["id"]
	}

	// Same request id twice: the second call replays the recorded response,
	// the handler runs once and the store holds one task.
	idemID := uuid.NewString()
	first, err := client.CallWithID(ctx, idemID, "v1", "create_task", map[string]any{
		"title":       "Idem task",
		"description": "should not duplicate",
	}, token)
	log.Printf("6) create_task (idem #1): %+v err=%v", first, err)
	second, err := client.CallWithID(ctx, idemID, "v1", "create_task", map[string]any{
		"title":       "Idem task",
		"description": "should not duplicate",
	}, token)
	log.Printf("7) create_task (idem #2): %+v err=%v", second, err)

	r, err = client.Call(ctx, "v1", "list_tasks", nil, token)
	log.Printf("8) list_tasks: %+v err=%v", r, err)

	if taskID != nil {
		r, err = client.Call(ctx, "v2", "update_task", map[string]any{
			"task_id":  taskID,
			"priority": "high",
			"status":   "in_progress",
		}, token)
		log.Printf("9) update_task v2: %+v err=%v", r, err)
	}

	r, err = client.Call(ctx, "v1", "abracadabra", nil, token)
	log.Printf("10) unknown action: %+v err=%v", r, err)
}
