// Query tool for the enforcement audit trail.
//
// Reads audit records for one account from the live SQLite store or the
// parquet archive and prints them newest-first, one per line, or as JSON
// with -json.
//
// Usage:
//
//	go build -o bin/ringfence-audit ./cmd/ringfence-audit/
//	bin/ringfence-audit -account acct-1 [-from 2026-08-01] [-to 2026-08-30] [-n 100] [-archive] [-json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ringfence/internal/config"
	"ringfence/internal/store"
)

func main() {
	account := flag.String("account", "", "account id to query (required)")
	from := flag.String("from", "", "start date YYYY-MM-DD (default: 7 days ago)")
	to := flag.String("to", "", "end date YYYY-MM-DD inclusive (default: today)")
	n := flag.Int("n", 100, "max records to print")
	archive := flag.Bool("archive", false, "read from the parquet archive instead of SQLite")
	asJSON := flag.Bool("json", false, "print records as JSON lines")
	flag.Parse()

	if *account == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfgPath := "config/ringfence.yaml"
	if p := os.Getenv("RINGFENCE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	now := time.Now()
	start := now.AddDate(0, 0, -7)
	if *from != "" {
		start, err = time.Parse("2006-01-02", *from)
		if err != nil {
			log.Fatalf("bad -from date: %v", err)
		}
	}
	end := now
	if *to != "" {
		end, err = time.Parse("2006-01-02", *to)
		if err != nil {
			log.Fatalf("bad -to date: %v", err)
		}
		end = end.AddDate(0, 0, 1).Add(-time.Millisecond)
	}

	ctx := context.Background()
	var recs []store.AuditRecord
	if *archive {
		if cfg.Storage.AuditDir == "" {
			log.Fatal("no audit_dir configured; archive unavailable")
		}
		recs, err = store.NewParquetArchive(cfg.Storage.AuditDir).ReadAudit(ctx, *account, start, end)
		if err != nil {
			log.Fatalf("reading archive: %v", err)
		}
		// Archive rows come back oldest-first; trim and reverse for
		// newest-first output like the SQLite path.
		if len(recs) > *n {
			recs = recs[len(recs)-*n:]
		}
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	} else {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open state store: %v", err)
		}
		defer db.Close()
		recs, err = db.ListAudit(ctx, *account, start, end, *n)
		if err != nil {
			log.Fatalf("querying audit records: %v", err)
		}
	}

	if len(recs) == 0 {
		fmt.Println("no audit records in range")
		return
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				log.Fatalf("encoding record: %v", err)
			}
		}
		return
	}

	for _, r := range recs {
		line := fmt.Sprintf("%s  %-24s %-14s %.2f  %s",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.RuleID, r.Action, r.BreachValue, r.Outcome)
		if r.ContractID != "" {
			line += "  " + r.ContractID
		}
		if r.Error != "" {
			line += "  (" + r.Error + ")"
		}
		fmt.Println(line)
	}
}
