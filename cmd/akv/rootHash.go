package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func rootHash(ctx *cli.Context) error {

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.repo.Tree().Load(ctxTimeout); err != nil {
		return fmt.Errorf("ошибка загрузки дерева: %w", err)
	}

	h := app.repo.RootHash()
	if h == nil {
		fmt.Println("🌳 Дерево пусто")
		return nil
	}

	if ctx.Bool("quiet") {
		fmt.Println(hex.EncodeToString(h))
		return nil
	}

	fmt.Printf("🌳 Хеш корня: %s\n", hex.EncodeToString(h))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "root",
		Usage: "Показать хеш корня дерева",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Выводить только хеш",
			},
		},
		Action: rootHash,
	})
}
