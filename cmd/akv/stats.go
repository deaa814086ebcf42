package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/duke-git/lancet/v2/formatter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func statsCmd(ctx *cli.Context) error {

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	count, err := app.repo.Len(ctxTimeout)
	if err != nil {
		return fmt.Errorf("ошибка подсчёта ключей: %w", err)
	}

	height, err := app.repo.Tree().Height(ctxTimeout)
	if err != nil {
		return fmt.Errorf("ошибка вычисления высоты: %w", err)
	}

	rootStr := "пусто"
	if h := app.repo.RootHash(); h != nil {
		rootStr = hex.EncodeToString(h)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Параметр", "Значение"})
	t.AppendRow(table.Row{"Ключей", formatter.Comma(count, "")})
	t.AppendRow(table.Row{"Высота дерева", height})
	t.AppendRow(table.Row{"Хеш корня", rootStr})

	if app.repo.HasIndex() {
		s, err := app.repo.Index().Stats(ctxTimeout)
		if err != nil {
			return fmt.Errorf("ошибка чтения статистики индекса: %w", err)
		}
		t.AppendRow(table.Row{"Индекс: записей", formatter.Comma(s.Entries, "")})
		t.AppendRow(table.Row{"Индекс: объём", formatBytes(s.TotalSize)})
		if !s.UpdatedAt.IsZero() {
			t.AppendRow(table.Row{"Индекс: обновлён", s.UpdatedAt.Format(time.RFC3339)})
		}
	}

	t.SetStyle(table.StyleLight)
	t.Render()

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "stats",
		Aliases: []string{"st"},
		Usage:   "Статистика хранилища",
		Action:  statsCmd,
	})
}
