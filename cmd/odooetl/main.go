// Command odooetl copies Odoo records into a SQL warehouse incrementally.
//
//	odooetl run                  run the pipeline
//	odooetl validate             check the pipeline file and exit
//	odooetl watermarks show      print the stored watermarks
//	odooetl watermarks refresh   recompute watermarks from the warehouse
//
// Every flag has an environment variable fallback; see --help.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	// Timezone names must resolve on hosts without zoneinfo.
	_ "time/tzdata"

	// register all backends with the storage factory.
	_ "odooetl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Getenv).ExecuteContext(ctx); err != nil {
		log.Printf("error: %v", err)
		stop()
		os.Exit(1)
	}
}
