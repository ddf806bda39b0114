// Command odin-demo is a minimal consumer of the rdb client SDK: it
// signs in, subscribes to a collection, and prints every delivery until
// interrupted. Mirrors the teacher's cmd/main.go shape (flag-parsed
// config, environment overrides) retargeted from starting a server to
// driving a client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	rdb "github.com/odinrealtime/rdb-go"
	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
)

func main() {
	var apiKey, collection, token string
	flag.StringVar(&apiKey, "api-key", os.Getenv("RDB_API_KEY"), "base64 host api key")
	flag.StringVar(&collection, "collection", "messages", "collection to subscribe to")
	flag.StringVar(&token, "token", "", "optional auth token to sign in with")
	flag.Parse()

	opts := rdb.OptionsFromEnv(rdb.Options{APIKey: apiKey})
	db, err := rdb.Open(opts)
	if err != nil {
		log.Fatalf("odin-demo: open: %v", err)
	}
	defer db.Close()

	if token != "" {
		if err := db.Auth().SignIn(token); err != nil {
			log.Fatalf("odin-demo: sign in: %v", err)
		}
	}

	unsubscribe, err := db.Collection(collection).
		OrderBy("$modified", query.Desc).
		Limit(50).
		Subscribe(&printListener{})
	if err != nil {
		log.Fatalf("odin-demo: subscribe: %v", err)
	}
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

type printListener struct{}

func (printListener) OnChange(documents, inserted, updated, removed []model.Document) {
	log.Printf("documents=%d inserted=%d updated=%d removed=%d", len(documents), len(inserted), len(updated), len(removed))
}

func (printListener) OnError(err error) {
	log.Printf("subscription failed: %v", err)
}
