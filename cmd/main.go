package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ticketinventory/internal/app"
	"ticketinventory/internal/config"
)

func main() {
	application, err := app.NewApplication(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: startup failed: %v\n", config.ServiceName, err)
		os.Exit(1)
	}

	err = application.Run()
	application.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: stopped: %v\n", config.ServiceName, err)
		os.Exit(1)
	}
}
