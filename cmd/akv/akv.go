package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"akvs/repository"

	"github.com/urfave/cli/v2"
)

const (
	DefaultDataDir = "./.data"
	AppName        = "akv"
	AppVersion     = "1.0.0"
)

type app struct {
	repo *repository.Repository
}

func newApp(dataDir string, noIndex bool) (*app, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("создание директории данных: %w", err)
	}

	opts := repository.Options{}
	if !noIndex {
		opts.SQLiteIndexPath = filepath.Join(dataDir, "index.db")
	}

	repo, err := repository.Open(context.Background(), filepath.Join(dataDir, "store"), opts)
	if err != nil {
		return nil, fmt.Errorf("инициализация репозитория: %w", err)
	}

	return &app{repo: repo}, nil
}

func (app *app) Close() error {
	if app.repo != nil {
		return app.repo.Close()
	}
	return nil
}

func initApp(c *cli.Context) (*app, error) {
	return newApp(c.String("data"), c.Bool("no-index"))
}

var commands = []*cli.Command{}

func main() {
	app := &cli.App{
		Name:    AppName,
		Usage:   "Аутентифицированное key-value хранилище на AVL-дереве",
		Version: AppVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Value:   DefaultDataDir,
				Usage:   "Директория для хранения данных",
				EnvVars: []string{"AKV_DATA_DIR"},
			},
			&cli.BoolFlag{
				Name:  "no-index",
				Usage: "Отключить вторичный SQLite-индекс",
			},
		},
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d Б", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cБ", float64(bytes)/float64(div), "KMGTPE"[exp])
}
