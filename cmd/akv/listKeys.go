package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"akvs/avl"

	"github.com/duke-git/lancet/v2/formatter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
)

func listKeys(ctx *cli.Context) error {

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var start, end []byte
	if s := ctx.String("start"); s != "" {
		start = []byte(s)
	}
	if e := ctx.String("end"); e != "" {
		end = []byte(e)
	}

	entries, err := app.repo.Range(ctxTimeout, start, end)
	if err != nil {
		return fmt.Errorf("ошибка перечисления ключей: %w", err)
	}

	limit := ctx.Int("limit")
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	if ctx.Bool("keys-only") {
		for _, e := range entries {
			fmt.Println(string(e.Key))
		}
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Ключ", "Размер", "Значение"})

	rows := lo.Map(entries, func(e avl.Entry, i int) table.Row {
		preview := string(e.Value)
		if len(preview) > 60 {
			preview = preview[:57] + "..."
		}
		return table.Row{i + 1, string(e.Key), formatBytes(int64(len(e.Value))), preview}
	})
	for _, row := range rows {
		t.AppendRow(row)
	}

	totalSize := lo.SumBy(entries, func(e avl.Entry) int64 {
		return int64(len(e.Value))
	})

	t.AppendFooter(table.Row{"", "Всего: " + formatter.Comma(len(entries), ""), formatBytes(totalSize), ""})
	t.SetStyle(table.StyleLight)
	t.Render()

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "Показать ключи в диапазоне",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "start",
				Usage: "Начало диапазона (включительно)",
			},
			&cli.StringFlag{
				Name:  "end",
				Usage: "Конец диапазона (включительно)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Максимальное число ключей",
			},
			&cli.BoolFlag{
				Name:    "keys-only",
				Aliases: []string{"k"},
				Usage:   "Выводить только ключи",
			},
		},
		Action: listKeys,
	})
}
