// ragchat is a retrieval-augmented chatbot that answers from uploaded documents.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rag-chatbot/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
