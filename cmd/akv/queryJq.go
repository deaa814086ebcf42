package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// queryJq прогоняет jq-выражение по JSON-значениям ключей в диапазоне.
// Не-JSON значения пропускаются.
func queryJq(ctx *cli.Context) error {

	if ctx.NArg() < 1 {
		return fmt.Errorf("требуется jq-выражение")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	query, err := gojq.Parse(ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("ошибка разбора jq-выражения: %w", err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("ошибка компиляции jq-выражения: %w", err)
	}

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

	matched := 0
	for _, entry := range entries {
		var doc interface{}
		if err := json.Unmarshal(entry.Value, &doc); err != nil {
			continue
		}

		iter := code.RunWithContext(ctxTimeout, doc)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				if ctx.Bool("verbose") {
					fmt.Printf("⚠️  %s: %v\n", entry.Key, err)
				}
				continue
			}
			if v == nil && !ctx.Bool("nulls") {
				continue
			}
			out, _ := json.Marshal(v)
			if ctx.Bool("with-keys") {
				fmt.Printf("%s\t%s\n", entry.Key, out)
			} else {
				fmt.Println(string(out))
			}
			matched++
		}
	}

	if ctx.Bool("verbose") {
		fmt.Printf("📊 Обработано записей: %d, результатов: %d\n", len(entries), matched)
	}

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "query",
		Aliases: []string{"q"},
		Usage:   "Выполнить jq-выражение по JSON-значениям",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "start",
				Usage: "Начало диапазона (включительно)",
			},
			&cli.StringFlag{
				Name:  "end",
				Usage: "Конец диапазона (включительно)",
			},
			&cli.BoolFlag{
				Name:    "with-keys",
				Aliases: []string{"k"},
				Usage:   "Выводить ключ рядом с результатом",
			},
			&cli.BoolFlag{
				Name:  "nulls",
				Usage: "Не пропускать null-результаты",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Подробный вывод",
			},
		},
		Action:    queryJq,
		ArgsUsage: "<jq-выражение>",
	})
}
