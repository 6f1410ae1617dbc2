// Command repair runs the out-of-band consistency passes against a gaze
// store: audit normalizes drifted session fields, recover relinks orphaned
// snapshot images, verify re-derives the review surface and checks its
// invariants, relink attaches a guest's sessions to a clinical record.
//
// It connects directly to the session database (postgres in production,
// sqlite for local copies) and to the blob store root on disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/data/db"
	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/logger"
	"github.com/attentia/gazestore/internal/services"
)

type repairConfig struct {
	StoreRoot string `yaml:"store_root"`
	DB        struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	ToleranceMS         int  `yaml:"tolerance_ms"`
	BackfillToleranceMS int  `yaml:"backfill_tolerance_ms"`
	DryRun              bool `yaml:"dry_run"`
}

func main() {
	var (
		configPath = flag.String("config", "repair.yaml", "path to repair config")
		dryRun     = flag.Bool("dry-run", false, "report without writing (overrides config)")

		relinkEmail     = flag.String("email", "", "guest email (relink)")
		relinkPatient   = flag.String("patient", "", "patient id (relink)")
		relinkTherapist = flag.String("therapist", "", "therapist id (relink)")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: repair [flags] <audit|recover|verify|relink>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	gdb, err := openDB(cfg)
	if err != nil {
		log.Error("db_open_failed", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		log.Error("db_migrate_failed", "error", err)
		os.Exit(1)
	}

	repo := sessions.NewSessionRepo(gdb, log)

	// Every pass gets a run id so its log lines and report can be correlated
	// after the fact.
	runID := uuid.NewString()
	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{RequestID: runID})
	dbc := dbctx.Context{Ctx: ctx}
	log = log.With("run_id", runID)

	var report any
	switch command {
	case "audit":
		report, err = services.NewAuditService(log, repo).Audit(dbc, cfg.DryRun)
	case "recover":
		blobs, berr := blobstore.NewLocal(log, cfg.StoreRoot)
		if berr != nil {
			log.Error("blobstore_open_failed", "root", cfg.StoreRoot, "error", berr)
			os.Exit(1)
		}
		report, err = services.NewRecoveryService(log, repo, blobs).Recover(dbc, services.RecoveryOptions{
			Tolerance:         time.Duration(cfg.ToleranceMS) * time.Millisecond,
			BackfillTolerance: time.Duration(cfg.BackfillToleranceMS) * time.Millisecond,
			DryRun:            cfg.DryRun,
		})
	case "verify":
		report, err = runVerify(dbc, repo)
	case "relink":
		report, err = runRelink(dbc, log, repo, *relinkEmail, *relinkPatient, *relinkTherapist)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("repair_failed", "command", command, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Error("report_encode_failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*repairConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &repairConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.StoreRoot == "" {
		cfg.StoreRoot = "./uploads/gaze"
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	return cfg, nil
}

func openDB(cfg *repairConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	}
	switch cfg.DB.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DB.DSN), gcfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DB.DSN), gcfg)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.DB.Driver)
	}
}

type verifyReport struct {
	Reviewable     int         `json:"reviewable"`
	Violations     []uuid.UUID `json:"violations"`
	LegacyStatuses []uuid.UUID `json:"legacy_statuses"`
}

// runVerify re-derives the review surface and checks that nothing it returns
// is snapshot-less. It also counts sessions still carrying a legacy status
// tag, which means an audit pass is due.
func runVerify(dbc dbctx.Context, repo sessions.SessionRepo) (*verifyReport, error) {
	list, err := repo.ListReviewable(dbc)
	if err != nil {
		return nil, err
	}
	report := &verifyReport{Reviewable: len(list)}
	for _, s := range list {
		if !s.HasSnapshots() {
			report.Violations = append(report.Violations, s.ID)
		}
	}

	legacy, err := repo.ListByStatus(dbc, []string{domain.LegacyStatusArchived, domain.LegacyStatusLive})
	if err != nil {
		return nil, err
	}
	for _, s := range legacy {
		report.LegacyStatuses = append(report.LegacyStatuses, s.ID)
	}
	return report, nil
}

type relinkReport struct {
	Email  string      `json:"email"`
	Linked []uuid.UUID `json:"linked"`
}

func runRelink(dbc dbctx.Context, log *logger.Logger, repo sessions.SessionRepo, email, patient, therapist string) (*relinkReport, error) {
	if email == "" || patient == "" || therapist == "" {
		return nil, fmt.Errorf("relink requires -email, -patient, -therapist")
	}
	patientID, err := uuid.Parse(patient)
	if err != nil {
		return nil, fmt.Errorf("patient id: %w", err)
	}
	therapistID, err := uuid.Parse(therapist)
	if err != nil {
		return nil, fmt.Errorf("therapist id: %w", err)
	}
	linked, err := services.NewLinkingService(log, repo).RelinkGuestSessions(dbc, email, patientID, therapistID)
	if err != nil {
		return nil, err
	}
	report := &relinkReport{Email: email}
	for i := range linked {
		report.Linked = append(report.Linked, linked[i].ID)
	}
	return report, nil
}
