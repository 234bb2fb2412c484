package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"BlogPilot/sdk/go/blogpilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/posts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(blogpilot.Task{
				ID:        "task-demo",
				Title:     "远程办公一年的体会",
				Status:    "pending",
				CreatedAt: time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/posts/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(blogpilot.Task{
			ID:         "task-demo",
			Title:      "远程办公一年的体会",
			Status:     "completed",
			Progress:   100,
			Stage:      "published",
			EngineUsed: "puppeteer",
			Result: &blogpilot.PostResult{
				URL:      "https://blog.example.com/entries/42",
				Title:    "远程办公一年的体会",
				PostedAt: time.Now().Unix(),
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := blogpilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitPost(ctx, blogpilot.Submission{
		Post: blogpilot.Post{
			Title:    "远程办公一年的体会",
			Content:  "<p>这一年里我学到了……</p>",
			Category: "生活",
			Tags:     "远程办公,效率",
		},
		Account: blogpilot.Account{ID: "demo-writer", Password: "demo-secret"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", created.ID, created.Status)

	final, err := client.WaitForTask(ctx, created.ID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with status=%s engine=%s\n", final.ID, final.Status, final.EngineUsed)
	if final.Result != nil {
		fmt.Printf("published at %s\n", final.Result.URL)
	}
}
