package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
)

// purgeTarget pairs the rows a sweep would remove with the statement that
// removes them. The predicates mirror the nightly cron jobs so this command
// can stand in for a missed run.
type purgeTarget struct {
	name      string
	countSQL  string
	deleteSQL string
}

var targets = []purgeTarget{
	{
		name:      "expired session tokens",
		countSQL:  `SELECT COUNT(*) FROM session_tokens WHERE expires_at < NOW()`,
		deleteSQL: `DELETE FROM session_tokens WHERE expires_at < NOW()`,
	},
	{
		name:      "revoked session tokens older than 30 days",
		countSQL:  `SELECT COUNT(*) FROM session_tokens WHERE revoked = TRUE AND revoked_at < NOW() - INTERVAL '30 days'`,
		deleteSQL: `DELETE FROM session_tokens WHERE revoked = TRUE AND revoked_at < NOW() - INTERVAL '30 days'`,
	},
	{
		name:      "closed abandoned carts",
		countSQL:  `SELECT COUNT(*) FROM abandoned_carts WHERE restored = TRUE OR expires_at < NOW()`,
		deleteSQL: `DELETE FROM abandoned_carts WHERE restored = TRUE OR expires_at < NOW()`,
	},
	{
		name:      "closed abandoned bookings",
		countSQL:  `SELECT COUNT(*) FROM abandoned_bookings WHERE resumed = TRUE OR expires_at < NOW()`,
		deleteSQL: `DELETE FROM abandoned_bookings WHERE resumed = TRUE OR expires_at < NOW()`,
	},
	{
		name:      "expired OTP codes",
		countSQL:  `SELECT COUNT(*) FROM otp_verifications WHERE expires_at < NOW()`,
		deleteSQL: `DELETE FROM otp_verifications WHERE expires_at < NOW()`,
	},
	{
		name:      "stale OTP rate-limit rows",
		countSQL:  `SELECT COUNT(*) FROM otp_rate_limits WHERE created_at < NOW() - INTERVAL '1 hour'`,
		deleteSQL: `DELETE FROM otp_rate_limits WHERE created_at < NOW() - INTERVAL '1 hour'`,
	},
}

func main() {
	var dbURLFlag string
	var dryRun bool
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&dryRun, "dry-run", false, "report what would be purged without deleting anything")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	// This avoids having to pass secrets on the command line.
	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	// Build minimal database config without loading full app config
	dbCfg := config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
		// ConnMaxLifetime left as zero (driver default)
	}

	db, err := database.NewConnection(dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if dryRun {
		fmt.Println("Connected to database. Dry run - counting purgeable rows...")
	} else {
		fmt.Println("Connected to database. Purging expired data...")
	}

	total := int64(0)
	for _, t := range targets {
		if dryRun {
			var count int64
			if err := db.QueryRow(t.countSQL).Scan(&count); err != nil {
				fmt.Printf("  %s: error: %v\n", t.name, err)
				continue
			}
			fmt.Printf("  %s: %d would be removed\n", t.name, count)
			total += count
			continue
		}

		result, err := db.Exec(t.deleteSQL)
		if err != nil {
			fmt.Printf("  %s: error: %v\n", t.name, err)
			continue
		}
		removed, err := result.RowsAffected()
		if err != nil {
			fmt.Printf("  %s: removed (count unavailable: %v)\n", t.name, err)
			continue
		}
		fmt.Printf("  %s: %d removed\n", t.name, removed)
		total += removed
	}

	if dryRun {
		fmt.Printf("Dry run complete. %d rows would be purged.\n", total)
	} else {
		fmt.Printf("Purge complete. %d rows removed.\n", total)
	}
}
