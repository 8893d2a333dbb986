package api_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/api"
	"github.com/JakeFAU/scraper-fleet/internal/clock/system"
	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
	"github.com/JakeFAU/scraper-fleet/internal/registry"
	"github.com/JakeFAU/scraper-fleet/internal/storage/memory"
	"github.com/JakeFAU/scraper-fleet/internal/tasks"
	"github.com/JakeFAU/scraper-fleet/internal/token"
)

// ExampleNewServer shows the admin API creating a task over in-memory stores.
func ExampleNewServer() {
	workers, _ := registry.New(registry.Options{
		Store:  memory.NewWorkerStore(),
		Tokens: token.New(0),
		IDs:    uuid.New(),
		Clock:  system.New(),
	})
	taskSvc, _ := tasks.New(tasks.Options{
		Store: memory.NewTaskStore(),
		IDs:   uuid.New(),
		Clock: system.New(),
	})
	server, err := api.NewServer(api.Options{
		Workers:        workers,
		Tasks:          taskSvc,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks",
		strings.NewReader(`{"url":"https://shop.example.com/p/1","priority":5}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	// Output: 201
}
