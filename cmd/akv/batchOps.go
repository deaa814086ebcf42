package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// batchOps собирает несколько операций в один пакет и применяет его
// атомарно с точки зрения итогового хеша корня.
func batchOps(ctx *cli.Context) error {

	puts := ctx.StringSlice("put")
	dels := ctx.StringSlice("del")
	if len(puts) == 0 && len(dels) == 0 {
		return fmt.Errorf("требуется хотя бы одна операция --put или --del")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	batch := app.repo.Mutations()

	for _, p := range puts {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("неверный формат --put: %q (ожидается ключ=значение)", p)
		}
		if err := batch.Put([]byte(key), []byte(value)); err != nil {
			return fmt.Errorf("ошибка добавления операции: %w", err)
		}
	}
	for _, d := range dels {
		if err := batch.Delete([]byte(d)); err != nil {
			return fmt.Errorf("ошибка добавления операции: %w", err)
		}
	}

	if ctx.Bool("dry-run") {
		fmt.Printf("📋 Пакет из %d операций (не применён)\n", batch.Len())
		return app.repo.Rollback(batch)
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	hash, err := app.repo.Commit(ctxTimeout, batch)
	if err != nil {
		return fmt.Errorf("ошибка применения пакета: %w", err)
	}

	fmt.Printf("✅ Применено операций: %d\n", len(puts)+len(dels))
	if hash != nil {
		fmt.Printf("🌳 Хеш корня: %s\n", hex.EncodeToString(hash))
	} else {
		fmt.Println("🌳 Дерево пусто")
	}

	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "batch",
		Aliases: []string{"b"},
		Usage:   "Применить пакет операций",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "put",
				Usage: "Записать ключ=значение",
			},
			&cli.StringSliceFlag{
				Name:  "del",
				Usage: "Удалить ключ",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Показать пакет без применения",
			},
		},
		Action: batchOps,
	})
}
