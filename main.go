package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kbase_back/knowledge"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

// The binary hosts the detached ingestion worker: it resumes documents
// stranded in processing and then serves the background queue until
// signalled. All other access goes through the knowledge package API.
func main() {
	mustLoadEnv()

	db, err := knowledge.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	service, err := knowledge.NewServiceFromEnv(db)
	if err != nil {
		log.Fatalf("init knowledge service: %v", err)
	}

	if err := service.AutoMigrate(); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	resumed, err := service.ResumeInterrupted(context.Background())
	if err != nil {
		log.Fatalf("resume interrupted documents: %v", err)
	}
	if resumed > 0 {
		log.Printf("re-queued %d interrupted document(s)", resumed)
	}

	log.Println("knowledge ingestion worker running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down, waiting for in-flight documents")
	service.Close()
}
