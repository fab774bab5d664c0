package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/cache"
	"github.com/addspin/meshca/check"
	"github.com/addspin/meshca/crl"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/issue"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/routes"
	"github.com/addspin/meshca/store"
	"github.com/addspin/meshca/utils"

	"github.com/gofiber/fiber/v3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
)

func main() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %s", err)
	}

	logFile, err := utils.SetupSlogLogger()
	if err != nil {
		log.Fatalf("Error configuring logging: %s", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Database initialization
	database := viper.GetString("database.path")
	db, err := sqlx.Open("sqlite3", database+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	slog.Info("connected to database", "path", database)

	keystoreKey := crypts.DeriveKey(
		[]byte(viper.GetString("keystore.passphrase")),
		[]byte(viper.GetString("keystore.salt")),
	)

	st := store.New(db, keystoreKey)
	if err := st.InitSchema(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New()
	caman := ca.NewManager(st, ca.ConfigFromViper())
	crlSvc := crl.NewService(st, c, crl.ConfigFromViper())
	engine := issue.NewEngine(st, caman, c, issue.ConfigFromViper())
	builder := datapack.NewBuilder(st, caman, crlSvc, datapack.ConfigFromViper())

	if err := bootstrapHierarchy(ctx, st, caman); err != nil {
		log.Fatal(err)
	}

	signing, err := caman.SigningCA(ctx)
	if err != nil {
		log.Fatal(err)
	}

	go crlSvc.StartRefresher(ctx, signing.Id,
		time.Duration(viper.GetInt("crl.refreshInterval"))*time.Hour)
	go check.StartSweep(ctx, st,
		time.Duration(viper.GetInt("check.validInterval"))*time.Hour)

	app := fiber.New()
	routes.Setup(app, routes.Deps{
		Store:   st,
		CA:      caman,
		Engine:  engine,
		CRL:     crlSvc,
		Builder: builder,
	})

	addr := fmt.Sprintf("%s:%d", viper.GetString("server.host"), viper.GetInt("server.port"))
	slog.Info("meshca listening", "addr", addr, "signing_ca", signing.Id)
	log.Fatal(app.Listen(addr))
}

// bootstrapHierarchy creates the root and intermediate CA from config on
// first start. An already-active hierarchy is left untouched.
func bootstrapHierarchy(ctx context.Context, st *store.Store, caman *ca.Manager) error {
	if _, err := st.GetActiveCA(ctx, models.CALevelRoot); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		root, err := caman.BootstrapRoot(ctx,
			ca.SubjectFromViper("root_ca"), viper.GetInt("root_ca.ttl"))
		if err != nil && !errors.Is(err, ca.ErrRootAlreadyExists) {
			return err
		}
		if err == nil {
			slog.Info("bootstrap: root CA created", "id", root.Id)
		}
	}

	if _, err := st.GetActiveCA(ctx, models.CALevelSub); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		sub, err := caman.IssueIntermediate(ctx,
			ca.SubjectFromViper("sub_ca"), viper.GetInt("sub_ca.ttl"))
		if err != nil {
			return err
		}
		slog.Info("bootstrap: intermediate CA created", "id", sub.Id)
	}
	return nil
}
