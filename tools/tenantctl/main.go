// tenantctl is an operator tool for tenant databases: it publishes tenant
// created events and prints the connection details the worker derives.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wfahnestock/caass-server/common/broker"
	"github.com/wfahnestock/caass-server/common/config"
	"github.com/wfahnestock/caass-server/common/events"
	"github.com/wfahnestock/caass-server/worker/credentials"
	"github.com/wfahnestock/caass-server/worker/provision"
	"github.com/wfahnestock/caass-server/worker/storage"
)

func main() {
	slug := flag.String("slug", "", "Tenant slug")
	org := flag.String("org", "", "Organization name; the slug is derived from it when -slug is empty")
	publish := flag.Bool("publish", false, "Publish a tenant created event for the tenant")
	queue := flag.String("queue", events.TenantCreatedQueue, "Queue to publish to")
	host := flag.String("host", storage.DefaultHost, "Tenant database host")
	port := flag.String("port", "", "Tenant database host port (needed for -dsn and -list)")
	showPassword := flag.Bool("password", false, "Print the derived database password")
	showDSN := flag.Bool("dsn", false, "Print the tenant connection string")
	listTables := flag.Bool("list", false, "List tables in the tenant database")
	flag.Parse()

	if *slug == "" && *org != "" {
		*slug = events.Slug(*org)
	}
	if *slug == "" {
		log.Fatalf("Usage: tenantctl -slug <slug> | -org <name> [-publish] [-password] [-dsn -port N] [-list -port N]")
	}

	if *publish {
		if err := publishTenant(*queue, *slug); err != nil {
			log.Fatalf("publish failed: %v", err)
		}
		fmt.Printf("Published tenant created event for %s to %s\n", *slug, *queue)
	}

	password := credentials.TenantPassword(*slug)
	if *showPassword {
		fmt.Println(password)
	}

	tdb := storage.TenantDatabase{
		Host:     *host,
		Port:     *port,
		Name:     provision.DatabaseName(*slug),
		User:     storage.DefaultUser,
		Password: password,
	}
	if (*showDSN || *listTables) && *port == "" {
		log.Fatalf("-dsn and -list need -port")
	}
	if *showDSN {
		fmt.Println(tdb.DSN())
	}
	if *listTables {
		if err := printTables(tdb); err != nil {
			log.Fatalf("failed to list tables: %v", err)
		}
	}
}

// publishTenant sends a tenant created event using the RABBITMQ_* (or
// TENANTCTL_RABBITMQ_*) environment settings.
func publishTenant(queue, slug string) error {
	cfg := config.BrokerConfig{Port: config.DefaultBrokerPort, VHost: "/"}
	config.ApplyBrokerEnvOverrides(&cfg, "TENANTCTL")

	conn, err := broker.Dial(&cfg, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	pub, err := conn.Publisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pub.Publish(ctx, queue, events.TenantCreatedEvent{
		TenantID:   uuid.New(),
		TenantSlug: slug,
	})
}

func printTables(tdb storage.TenantDatabase) error {
	db, err := sql.Open("pgx", tdb.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := db.QueryContext(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Printf("Tables in %s:\n", tdb.Name)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(" -", name)
	}
	return rows.Err()
}
