// Command inspect_db prints a consistency report for the local trading
// database: copy-trade status counts, duplicate original trade ids (there
// should never be any), negative positions, and stuck pending trades.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "data/tradingengine.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	fmt.Printf("Inspecting %s\n", dbPath)

	fmt.Println("\n--- Copy trades by status ---")
	rows, err := db.Query(`SELECT status, COUNT(*) FROM copy_trades GROUP BY status`)
	if err != nil {
		log.Printf("Error querying copy trades: %v", err)
	} else {
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				log.Printf("Scan error: %v", err)
				continue
			}
			fmt.Printf("  %-12s %d\n", status, count)
		}
		rows.Close()
	}

	fmt.Println("\n--- Duplicate original trade ids (should be none) ---")
	rows, err = db.Query(`
        SELECT original_trade_id, COUNT(*) AS n
        FROM copy_trades
        GROUP BY original_trade_id
        HAVING n > 1
        LIMIT 10`)
	if err != nil {
		log.Printf("Error querying duplicates: %v", err)
	} else {
		found := false
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				continue
			}
			found = true
			fmt.Printf("  DUPLICATE: %s x%d\n", id, n)
		}
		rows.Close()
		if !found {
			fmt.Println("  none")
		}
	}

	fmt.Println("\n--- Negative positions (should be none) ---")
	rows, err = db.Query(`
        SELECT strategy_id, token_id, size FROM positions
        WHERE CAST(size AS REAL) < 0 LIMIT 10`)
	if err != nil {
		log.Printf("Error querying positions: %v", err)
	} else {
		found := false
		for rows.Next() {
			var strategyID, tokenID, size string
			if err := rows.Scan(&strategyID, &tokenID, &size); err != nil {
				continue
			}
			found = true
			fmt.Printf("  NEGATIVE: strategy=%s token=%s size=%s\n", strategyID, tokenID, size)
		}
		rows.Close()
		if !found {
			fmt.Println("  none")
		}
	}

	fmt.Println("\n--- Trades stuck in pending ---")
	rows, err = db.Query(`
        SELECT id, strategy_id, side, price, size, inserted_at
        FROM trades WHERE status = 'pending'
        ORDER BY datetime(inserted_at) LIMIT 20`)
	if err != nil {
		log.Printf("Error querying trades: %v", err)
	} else {
		found := false
		for rows.Next() {
			var id, strategyID, side, price, size string
			var insertedAt sql.NullString
			if err := rows.Scan(&id, &strategyID, &side, &price, &size, &insertedAt); err != nil {
				continue
			}
			found = true
			fmt.Printf("  %s strategy=%s %s %s@%s since %s\n", id, strategyID, side, size, price, insertedAt.String)
		}
		rows.Close()
		if !found {
			fmt.Println("  none")
		}
	}
}
