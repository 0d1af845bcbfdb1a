// Command unit is a sample service unit for the gateway. It is started as
//
//	unit <entry> <port>
//
// and serves a greeting on / and a health endpoint on /health. The port
// falls back to $PORT, then 3000.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func main() {
	name := "unit"
	port := os.Getenv("PORT")

	args := os.Args[1:]
	if len(args) > 0 {
		name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}
	if len(args) > 1 {
		port = args[1]
	}
	if port == "" {
		port = "3000"
	}

	started := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"status":  "ok",
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello from %s\npath=%s\nhost=%s\nforwarded_for=%s\n",
			name, r.URL.RequestURI(), r.Host, r.Header.Get("X-Forwarded-For"))
	})

	fmt.Printf("%s listening on port %s\n", name, port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatal(err)
	}
}
