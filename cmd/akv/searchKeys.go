package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func searchKeys(ctx *cli.Context) error {

	if ctx.NArg() < 1 {
		return fmt.Errorf("требуется шаблон поиска (SQL LIKE, например 'user/%%')")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if !app.repo.HasIndex() {
		return fmt.Errorf("SQLite-индекс отключён (--no-index)")
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := app.repo.Index().Search(ctxTimeout, ctx.Args().Get(0), ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("ошибка поиска: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("🔍 Ничего не найдено")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Ключ", "Размер", "Хеш значения", "Обновлён"})
	for _, r := range results {
		hash := r.ValueHash
		if len(hash) > 16 {
			hash = hash[:16] + "..."
		}
		t.AppendRow(table.Row{r.Key, formatBytes(r.Size), hash, r.UpdatedAt.Format(time.RFC3339)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "search",
		Aliases: []string{"find"},
		Usage:   "Искать ключи через SQLite-индекс",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
				Usage:   "Максимальное число результатов",
			},
		},
		Action:    searchKeys,
		ArgsUsage: "<шаблон>",
	})
}
